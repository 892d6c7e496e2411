//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
)

// The detached master leads a new session without a controlling terminal.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
