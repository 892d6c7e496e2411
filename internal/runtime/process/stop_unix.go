//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signaler delivers signals to processes by pid.
type Signaler struct{}

// Signal sends sig to pid. A process that no longer exists is not an error.
func (Signaler) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %d with %s: %w", pid, SignalName(sig), err)
	}
	return nil
}

// SignalName returns the conventional name of sig, such as SIGTERM.
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// ParseSignal accepts names with or without the SIG prefix, in any case.
func ParseSignal(name string) (syscall.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// Exec replaces the current process image with argv, as done by a worker that
// hands its slot to an external command.
func Exec(argv []string, env []string) error {
	if len(argv) == 0 {
		return errors.New("exec requires a command")
	}
	path := argv[0]
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}
	if err := unix.Exec(path, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", argv[0], err)
	}
	return nil
}
