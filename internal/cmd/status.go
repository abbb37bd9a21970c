package cmd

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/tui"
)

func newStatusCmd() *cobra.Command {
	var (
		asJSON bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "status [session]",
		Short: "Show a session's progress",
		Long: `Status shows the steps of a session, the step in progress with its
retry counters, and any halt or reconciliation that needs attention.
Without an argument the most recently updated session is shown.

With --watch the view refreshes while another process runs the session
and exits once the session completes or fails.`,
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
			if watch {
				final, err := tea.NewProgram(tui.New(store, id),
					tea.WithInput(a.in), tea.WithOutput(a.out), tea.WithContext(cmd.Context())).Run()
				if err != nil {
					return fmt.Errorf("watch failed: %w", err)
				}
				if m, ok := final.(tui.Model); ok && m.Session() == nil {
					return m.Err()
				}
				return nil
			}

			sess, err := store.Load(id)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}
			renderSession(a.out, sess)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session record as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep refreshing until the session finishes")
	return cmd
}
