package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/prefork/internal/config"
	"github.com/Paintersrp/prefork/internal/engine"
	"github.com/Paintersrp/prefork/internal/lock"
	"github.com/Paintersrp/prefork/internal/logging"
	"github.com/Paintersrp/prefork/internal/runtime/process"
	"github.com/Paintersrp/prefork/supervisor"
)

func newStopCmd(ctx *context) *cobra.Command {
	var (
		signalName string
		status     int
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running master and its workers",
		Long: `Stop the running master and its workers.

The master recorded in the lock file is sent the signal and given five seconds
to drain its pool. After that every worker and the master are killed and the
command exits with --status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := process.ParseSignal(signalName)
			if err != nil {
				return fmt.Errorf("%w: signal: %w", config.ErrInvalid, err)
			}
			doc, err := ctx.manifest(cmd)
			if err != nil {
				return err
			}
			pid, running, err := findMaster(doc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !running {
				fmt.Fprintf(out, "%s: no master running\n", doc.LockFile)
				return nil
			}

			logger, err := logging.New(logging.Options{Writer: cmd.ErrOrStderr(), Format: logging.FormatText, Debug: doc.Debug, PIN: -1})
			if err != nil {
				return err
			}
			defer logger.Close()

			esc := newStopEscalation(logger.Logger, pid)
			outcome := esc.Run(pid, sig)
			if outcome.Forced {
				fmt.Fprintf(out, "master %d did not stop in time, killed %d processes\n", pid, len(outcome.Killed))
				return &exitError{code: status}
			}
			fmt.Fprintf(out, "master %d stopped\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&signalName, "signal", "s", "TERM", "Signal sent to the master")
	cmd.Flags().IntVar(&status, "status", supervisor.DefaultExitAllCode, "Exit status when the pool had to be killed")
	return cmd
}

func newStopEscalation(logger *slog.Logger, masterPID int) *engine.Escalation {
	return &engine.Escalation{
		Signaler: process.Signaler{},
		Alive:    process.Alive,
		Events:   logging.EventHandler(logger),
		Known: func() []int {
			pids, err := process.Children(masterPID)
			if err != nil {
				logger.Warn("list workers", "master_pid", masterPID, "err", err)
			}
			return pids
		},
	}
}

// findMaster reports the master recorded in the lock file. The lock itself
// is only probed when no live pid is recorded, so a starting master never
// sees a transient holder.
func findMaster(doc *config.Manifest) (int, bool, error) {
	if doc.LockFile == "" {
		return 0, false, fmt.Errorf("%w: lockFile: required to locate the master", config.ErrInvalid)
	}
	if _, err := os.Stat(doc.LockFile); errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	pid, readErr := lock.ReadPID(doc.LockFile)
	if readErr == nil && process.Alive(pid) {
		return pid, true, nil
	}
	held, err := lock.Held(doc.LockFile)
	if err != nil {
		return 0, false, err
	}
	if !held {
		return 0, false, nil
	}
	if readErr != nil {
		return 0, false, fmt.Errorf("lock %s is held but no master pid is recorded yet: %w", doc.LockFile, readErr)
	}
	return 0, false, fmt.Errorf("lock %s is held but recorded master %d is gone", doc.LockFile, pid)
}
