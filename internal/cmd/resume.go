package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/styles"
)

func newResumeCmd() *cobra.Command {
	var (
		ack       bool
		decisions []string
	)
	cmd := &cobra.Command{
		Use:   "resume [session]",
		Short: "Continue a halted session",
		Long: `Resume picks a session up exactly where it stopped: completed phases
are not repeated and a pending decision is asked again.

Without an argument the most recently updated session is resumed.
A session flagged for reconciliation refuses to advance until the
tracker item has been dealt with; pass --ack once it has.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.openLog(); err != nil {
				return err
			}
			defer a.close()

			id, err := resolveSession(a.store(), firstArg(args))
			if err != nil {
				return err
			}
			m, err := a.manager(cmd.Context(), decisions)
			if err != nil {
				return err
			}
			sess, err := m.Load(id)
			if err != nil {
				if isHalt(err) {
					fmt.Fprintln(a.errOut, styles.Error.Render(err.Error()))
					fmt.Fprintln(a.errOut, styles.Muted.Render("Start a fresh session with: cadence run <plan>"))
					return fmt.Errorf("%w: %w", errReported, err)
				}
				return err
			}
			if ack && sess.NeedsReconciliation() {
				if err := m.Acknowledge(sess, ""); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Reconciliation for step %s acknowledged\n", sess.Reconciliation.Step)
			}

			fmt.Fprintf(a.out, "%s %s (%d of %d steps done)\n", styles.Title.Render("Resuming"), sess.ID,
				len(sess.Completed), len(sess.Completed)+len(sess.Remaining))
			return drive(cmd.Context(), a, m, sess)
		},
	}
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge a pending reconciliation before resuming")
	cmd.Flags().StringArrayVar(&decisions, "decide", nil, decideUsage)
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
