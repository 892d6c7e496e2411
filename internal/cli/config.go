package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/prefork/internal/cliutil"
	"github.com/Paintersrp/prefork/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with prefork manifests",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	cmd.AddCommand(newConfigShowCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate a prefork manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configFile
			if len(args) > 0 {
				path = args[0]
			}
			doc, err := config.Load(path)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &exitError{code: exitCode(err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", doc.Path)
			return nil
		},
		Args: cobra.MaximumNArgs(1),
	}
	return cmd
}

func newConfigShowCmd(ctx *context) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.manifest(cmd)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Field", "Value")
			for _, row := range manifestRows(doc, showSecrets) {
				if err := table.Append(row[0], row[1]); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print credential-looking env values instead of masking them")
	return cmd
}

func manifestRows(doc *config.Manifest, showSecrets bool) [][2]string {
	source := doc.Path
	if source == "" {
		source = "(defaults)"
	}
	rows := [][2]string{
		{"source", source},
		{"workers", strconv.Itoa(doc.Workers)},
		{"daemon", strconv.FormatBool(doc.Daemon)},
		{"debug", strconv.FormatBool(doc.Debug)},
		{"normalExitCode", strconv.Itoa(doc.NormalExitCode)},
		{"lockFile", orDash(doc.LockFile)},
		{"logFile", orDash(doc.LogFile)},
		{"logFormat", doc.LogFormat},
		{"syslog", strconv.FormatBool(doc.SyslogEnabled())},
		{"syslogTag", doc.SyslogTag},
		{"metricsFile", orDash(doc.MetricsFile)},
		{"command", orDash(strings.Join(doc.Command, " "))},
		{"workdir", orDash(doc.Workdir)},
	}
	keys := make([]string, 0, len(doc.Env))
	for k := range doc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := doc.Env[k]
		if !showSecrets {
			value = cliutil.RedactEnv(k, value)
		}
		rows = append(rows, [2]string{"env." + k, value})
	}
	return rows
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
