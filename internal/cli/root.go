package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Paintersrp/prefork/internal/config"
	"github.com/Paintersrp/prefork/supervisor"
)

// envPrefix namespaces the environment overrides, PREFORK_WORKERS for
// --workers and so on.
const envPrefix = "PREFORK"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{v: newViper()}

	root := &cobra.Command{
		Use:   "prefork",
		Short: "Run a command as a supervised pool of worker processes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.v.BindPFlags(cmd.Flags())
		},
	}

	root.PersistentFlags().
		StringVarP(&ctx.configFile, "config", "c", config.DefaultPath, "Path to the prefork manifest")
	root.PersistentFlags().String("lock-file", "", "Single-instance lock file, also used to find the master")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newStopCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		var silent *exitError
		if !errors.As(err, &silent) || silent.err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

type context struct {
	configFile string
	v          *viper.Viper
}

// manifest loads the manifest and applies flag and environment overrides.
func (c *context) manifest(cmd *cobra.Command) (*config.Manifest, error) {
	path := c.configFile
	explicit := cmd.Flags().Changed("config")
	if env := c.v.GetString("config"); !explicit && env != "" && env != config.DefaultPath {
		path, explicit = env, true
	}
	doc, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, err
	}
	c.applyOverrides(doc)
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *context) applyOverrides(doc *config.Manifest) {
	v := c.v
	if v.IsSet("workers") {
		doc.Workers = v.GetInt("workers")
	}
	if v.IsSet("daemon") {
		doc.Daemon = v.GetBool("daemon")
	}
	if v.IsSet("debug") {
		doc.Debug = v.GetBool("debug")
	}
	if v.IsSet("normal-exit-code") {
		doc.NormalExitCode = v.GetInt("normal-exit-code")
	}
	if v.IsSet("lock-file") {
		doc.LockFile = v.GetString("lock-file")
	}
	if v.IsSet("log-file") {
		doc.LogFile = v.GetString("log-file")
	}
	if v.IsSet("log-format") {
		doc.LogFormat = v.GetString("log-format")
	}
	if v.IsSet("syslog") {
		enabled := v.GetBool("syslog")
		doc.Syslog = &enabled
	}
	if v.IsSet("syslog-tag") {
		doc.SyslogTag = v.GetString("syslog-tag")
	}
	if v.IsSet("metrics-file") {
		doc.MetricsFile = v.GetString("metrics-file")
	}
	if v.IsSet("workdir") {
		doc.Workdir = v.GetString("workdir")
	}
}

// exitError carries an explicit process status. A nil err means the status
// is reported without a message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	var withCode *exitError
	if errors.As(err, &withCode) {
		return withCode.code
	}
	return supervisor.ExitCode(err)
}
