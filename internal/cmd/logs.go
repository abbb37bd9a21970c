package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/styles"
)

func newLogsCmd() *cobra.Command {
	var (
		filter logging.LogFilter
		since  time.Duration
		format string
	)
	cmd := &cobra.Command{
		Use:   "logs [session]",
		Short: "Show a session's debug log",
		Long: `Logs reads the session's debug.log together with its rotated backups
and prints the entries in time order. Filters combine with AND.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			store := a.store()
			id, err := resolveSession(store, firstArg(args))
			if err != nil {
				return err
			}

			entries, err := logging.AggregateLogs(store.Dir(id))
			if err != nil {
				return fmt.Errorf("failed to read logs: %w", err)
			}
			if since > 0 {
				filter.StartTime = time.Now().Add(-since)
			}
			entries = logging.FilterLogs(entries, filter)
			if len(entries) == 0 && format != "json" {
				fmt.Fprintln(a.out, styles.Muted.Render("No matching log entries."))
				return nil
			}
			return logging.WriteEntries(a.out, entries, format)
		},
	}
	cmd.Flags().StringVar(&filter.Level, "level", "", "minimum level (debug, info, warn, error)")
	cmd.Flags().StringVar(&filter.StepID, "step", "", "only entries for this step")
	cmd.Flags().StringVar(&filter.Phase, "phase", "", "only entries for this phase")
	cmd.Flags().StringVar(&filter.MessageContains, "grep", "", "only entries whose message contains this text")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 30m")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json or csv")
	return cmd
}
