package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/pipeline"
	"github.com/Iron-Ham/cadence/internal/session"
	"github.com/Iron-Ham/cadence/internal/styles"
)

const decideUsage = `answer an escalation ahead of time as context=option (repeatable),
e.g. drift_gate=continue, verification_ceiling=revise, commit_confirmation=commit`

func newRunCmd() *cobra.Command {
	var (
		policy    string
		decisions []string
	)
	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Start a session for a plan and drive its steps",
		Long: `Run reads the plan, mirrors its steps into the configured tracker,
creates a new session and drives every step through the pipeline.

The run stops when every step is committed or when a halt occurs.
A halted session that is still in progress can be continued with
'cadence resume'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.openLog(); err != nil {
				return err
			}
			defer a.close()

			m, err := a.manager(cmd.Context(), decisions)
			if err != nil {
				return err
			}
			sess, err := m.Create(cmd.Context(), args[0], pipeline.CommitPolicy(policy))
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			fmt.Fprintf(a.out, "%s %s (%d steps, %s commits)\n",
				styles.Title.Render("Session"), sess.ID, len(sess.Remaining), sess.CommitPolicy)
			return drive(cmd.Context(), a, m, sess)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "commit policy: immediate or confirmed (default from config)")
	cmd.Flags().StringArrayVar(&decisions, "decide", nil, decideUsage)
	return cmd
}

// drive runs sess to completion or to its next halt.
func drive(ctx context.Context, a *app, m *session.Manager, sess *session.Session) error {
	if err := m.Run(ctx, sess); err != nil {
		if isHalt(err) {
			return reportHalt(a.errOut, sess, err)
		}
		return err
	}
	fmt.Fprintln(a.out, styles.Success.Render(
		fmt.Sprintf("Session %s completed: %d steps committed", sess.ID, len(sess.Completed))))
	return nil
}
