package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	units "github.com/docker/go-units"

	"github.com/Paintersrp/prefork/internal/runtime/process"
	"github.com/Paintersrp/prefork/internal/tui"
)

var errNotInteractive = errors.New("status --watch requires an interactive terminal")

func newStatusCmd(ctx *context) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running master and its workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && !interactive(cmd) {
				return errNotInteractive
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
				return &exitError{code: 3}
			}

			if watch {
				ui := tui.New(poolSource(pid, doc.Workers), tui.WithInterval(interval))
				return ui.Run(cmd.Context())
			}

			workers, err := process.Workers(pid)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Master: %d (%d/%d workers)\n\n", pid, len(workers), doc.Workers)
			writeWorkerTable(out, workers, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "W", false, "Keep a live view of the pool open")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval of --watch")
	return cmd
}

func interactive(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// poolSource reads the workers of masterPID from the process table.
func poolSource(masterPID, expected int) tui.Source {
	return func(stdcontext.Context) (tui.Snapshot, error) {
		snap := tui.Snapshot{Taken: time.Now(), MasterPID: masterPID, Expected: expected}
		if !process.Alive(masterPID) {
			return snap, nil
		}
		snap.Master = true
		workers, err := process.Workers(masterPID)
		if err != nil {
			return tui.Snapshot{}, err
		}
		snap.Workers = workers
		return snap, nil
	}
}

func writeWorkerTable(out io.Writer, workers []process.Info, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PIN\tPID\tAGE\tRSS\tCPU\tCOMMAND")
	for _, info := range workers {
		pin := "-"
		if info.PIN >= 0 {
			pin = strconv.Itoa(info.PIN)
		}
		age := "-"
		if !info.Started.IsZero() {
			elapsed := now.Sub(info.Started)
			if elapsed < 0 {
				elapsed = 0
			}
			age = units.HumanDuration(elapsed)
		}
		rss := "-"
		if info.RSS > 0 {
			rss = units.BytesSize(float64(info.RSS))
		}
		command := info.Command
		if command == "" {
			command = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.1f%%\t%s\n", pin, info.PID, age, rss, info.CPU, command)
	}
	w.Flush()
}
