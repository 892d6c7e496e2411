// Package process provides the operating-system primitives the supervisor is
// built on: creating worker processes, reaping them, delivering signals and
// discovering the workers of a running master from the process table.
//
// Go cannot fork a running program, so a worker is a fresh execution of the
// current executable with the original arguments. The role of the new process
// is carried in its environment (see Role) and decoded by the supervisor at
// start-up, which gives the parent and child two explicit control paths.
//
// Only Unix-like systems are supported. Reaping relies on wait4 semantics and
// SIGCHLD delivery; on Linux the process table is read from /proc.
package process
