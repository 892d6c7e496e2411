//go:build !windows

package process

import "syscall"

// Workers stay in the master's process group so a terminal interrupt in
// foreground mode reaches the whole pool.
func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
