package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/prefork/internal/config"
	"github.com/Paintersrp/prefork/internal/logging"
	"github.com/Paintersrp/prefork/internal/runtime/process"
	"github.com/Paintersrp/prefork/supervisor"
)

// execFailedCode is the worker status when the configured command cannot be
// executed, as reported by shells for a missing command.
const execFailedCode = 127

func newRunCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Start the master and keep a pool of workers running the command",
		Long: `Start the master and keep a pool of workers running the command.

Each worker executes the command with {pin} in its arguments replaced by the
worker index and PREFORK_PIN exported. Workers exiting with a status other than
the normal exit code are restarted at the same index until the master is asked
to stop with SIGHUP, SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.manifest(cmd)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				doc.Command = args
			}
			return runPool(cmd, doc)
		},
	}

	flags := cmd.Flags()
	flags.IntP("workers", "w", config.DefaultWorkers, "Number of worker processes")
	flags.BoolP("daemon", "d", false, "Detach the master from the terminal")
	flags.Bool("debug", false, "Stay in the foreground and log debug messages")
	flags.Int("normal-exit-code", 0, "Worker exit status that does not trigger a restart")
	flags.String("log-file", "", "Output file of a detached master")
	flags.String("log-format", config.DefaultLogFormat, "Log format: auto, text or json")
	flags.Bool("syslog", true, "Also send log records to syslog")
	flags.String("syslog-tag", config.DefaultSyslogTag, "Syslog tag")
	flags.String("metrics-file", "", "Write pool metrics to this node exporter textfile")
	flags.String("workdir", "", "Working directory of the command")
	return cmd
}

func runPool(cmd *cobra.Command, doc *config.Manifest) error {
	if len(doc.Command) == 0 {
		return fmt.Errorf("%w: command: nothing to run, set command in the manifest or pass it after --", config.ErrInvalid)
	}

	identity, err := process.CurrentIdentity()
	if err != nil {
		return fmt.Errorf("%w: %w", supervisor.ErrConfig, err)
	}
	if identity.Role == process.RoleLauncher {
		if _, err := exec.LookPath(doc.Command[0]); err != nil {
			return fmt.Errorf("%w: command: %w", config.ErrInvalid, err)
		}
	}

	logger, err := logging.New(logging.Options{
		Writer:    cmd.ErrOrStderr(),
		Format:    doc.LogFormat,
		Debug:     doc.Debug,
		PIN:       identity.PIN,
		Syslog:    doc.SyslogEnabled(),
		SyslogTag: doc.SyslogTag,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	defer logger.Close()

	sup, err := supervisor.New(supervisor.Config{
		Workers:        doc.Workers,
		Daemon:         !doc.Foreground(),
		Debug:          doc.Debug,
		NormalExitCode: doc.NormalExitCode,
		LockFile:       doc.LockFile,
		LogFile:        doc.LogFile,
		MetricsFile:    doc.MetricsFile,
		Logger:         logger.Logger,
		OnStart: func(pin int) {
			err := execWorker(doc, pin)
			logger.Error("worker command failed", "command", doc.Command[0], "err", err)
			os.Exit(execFailedCode)
		},
	})
	if err != nil {
		return err
	}

	// Shutdown signals belong to the supervisor; cancellation must not race
	// with them.
	return sup.Run(stdcontext.WithoutCancel(cmd.Context()))
}

// execWorker replaces the worker with the configured command. It only
// returns on failure.
func execWorker(doc *config.Manifest, pin int) error {
	if doc.Workdir != "" {
		if err := os.Chdir(doc.Workdir); err != nil {
			return fmt.Errorf("enter workdir: %w", err)
		}
	}
	env := doc.Environ(process.CommandEnv(os.Environ()))
	return process.Exec(doc.Args(pin), env)
}
