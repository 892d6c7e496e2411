//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrNoChildren is reported by Reap when the process has no children left.
var ErrNoChildren = errors.New("no child processes")

// Spawner creates workers by re-executing a program.
type Spawner struct {
	Path      string
	Args      []string
	Env       []string
	Dir       string
	MasterPID int

	forkExec func(string, []string, *syscall.ProcAttr) (int, error)
}

// NewSpawner constructs a spawner that re-executes the running binary with the
// arguments and environment of the current process.
func NewSpawner(masterPID int) (*Spawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &Spawner{
		Path:      path,
		Args:      append([]string(nil), os.Args...),
		Env:       os.Environ(),
		MasterPID: masterPID,
	}, nil
}

// Spawn starts a worker for pin and returns its pid. The worker shares the
// standard streams of the caller.
func (s *Spawner) Spawn(pin int) (int, error) {
	argv := s.Args
	if len(argv) == 0 {
		argv = []string{s.Path}
	}
	attr := &syscall.ProcAttr{
		Dir:   s.Dir,
		Env:   WorkerEnv(s.Env, pin, s.MasterPID),
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
		Sys:   workerSysProcAttr(),
	}
	forkExec := s.forkExec
	if forkExec == nil {
		forkExec = syscall.ForkExec
	}
	pid, err := forkExec(s.Path, argv, attr)
	if err != nil {
		return 0, fmt.Errorf("start worker %d: %w", pin, err)
	}
	return pid, nil
}

// Exit describes a child state change observed by the reaper.
type Exit struct {
	PID     int
	Code    int
	Signal  syscall.Signal
	Stopped bool
}

// Signaled reports whether the child was terminated by a signal.
func (e Exit) Signaled() bool {
	return e.Signal != 0 && !e.Stopped
}

func exitFromStatus(pid int, ws unix.WaitStatus) Exit {
	switch {
	case ws.Stopped():
		return Exit{PID: pid, Stopped: true, Signal: ws.StopSignal()}
	case ws.Signaled():
		return Exit{PID: pid, Code: 128 + int(ws.Signal()), Signal: ws.Signal()}
	default:
		return Exit{PID: pid, Code: ws.ExitStatus()}
	}
}

// Reaper collects state changes of any child without blocking.
type Reaper struct {
	wait4 func(int, *unix.WaitStatus, int, *unix.Rusage) (int, error)
}

// NewReaper constructs a reaper backed by wait4.
func NewReaper() *Reaper {
	return &Reaper{wait4: unix.Wait4}
}

// Reap returns every child that exited or stopped since the last call. When
// no children remain it returns the collected exits together with
// ErrNoChildren.
func (r *Reaper) Reap() ([]Exit, error) {
	var out []Exit
	for {
		var ws unix.WaitStatus
		pid, err := r.wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return out, ErrNoChildren
		case err != nil:
			return out, fmt.Errorf("wait4: %w", err)
		case pid <= 0:
			return out, nil
		}
		out = append(out, exitFromStatus(pid, ws))
	}
}
