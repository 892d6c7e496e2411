//go:build !windows

// Package daemon detaches the master from the invoking terminal by starting a
// copy of the running program in a new session.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/Paintersrp/prefork/internal/runtime/process"
)

// lockFD is the descriptor number of the first entry of exec.Cmd.ExtraFiles.
const lockFD = 3

// ErrDetach marks failures to create the detached master.
var ErrDetach = errors.New("detach from terminal")

// Detacher starts the detached master.
type Detacher struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// LogFile receives the detached master's stdout and stderr. Empty means
	// /dev/null.
	LogFile string

	start func(*exec.Cmd) error
}

// New returns a detacher re-executing the running binary with the arguments
// and environment of the current process.
func New(logFile string) (*Detacher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve executable: %w", ErrDetach, err)
	}
	return &Detacher{
		Path:    path,
		Args:    append([]string(nil), os.Args...),
		Env:     os.Environ(),
		LogFile: logFile,
	}, nil
}

// Detach starts the detached master and returns its pid. When lockFile is not
// nil its descriptor is inherited by the child, which takes over the lock; the
// caller must exit without releasing it.
func (d *Detacher) Detach(lockFile *os.File) (int, error) {
	argv := d.Args
	if len(argv) == 0 {
		argv = []string{d.Path}
	}
	cmd := &exec.Cmd{
		Path: d.Path,
		Args: argv,
		Dir:  d.Dir,
	}
	handover := -1
	if lockFile != nil {
		cmd.ExtraFiles = []*os.File{lockFile}
		handover = lockFD
	}
	cmd.Env = process.DetachedEnv(d.Env, handover)
	configureCmdSysProcAttr(cmd)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrDetach, os.DevNull, err)
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if d.LogFile != "" {
		out, err := os.OpenFile(d.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("%w: open log file: %w", ErrDetach, err)
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	start := d.start
	if start == nil {
		start = (*exec.Cmd).Start
	}
	if err := start(cmd); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDetach, err)
	}
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
		// The launcher never waits for the child.
		_ = cmd.Process.Release()
	}
	return pid, nil
}
