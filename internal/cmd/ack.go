package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/session"
	"github.com/Iron-Ham/cadence/internal/styles"
)

func newAckCmd() *cobra.Command {
	var step string
	cmd := &cobra.Command{
		Use:   "ack <session>",
		Short: "Acknowledge a pending reconciliation",
		Long: `Ack records that the tracker item of a committed step was closed by
hand. The step then counts as completed and the session can be resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			id, err := resolveSession(a.store(), args[0])
			if err != nil {
				return err
			}
			m, err := session.NewManager(a.cfg, a.root, session.Deps{}, session.WithLogger(a.logger))
			if err != nil {
				return err
			}
			sess, err := m.Load(id)
			if err != nil {
				return err
			}
			if err := m.Acknowledge(sess, step); err != nil {
				return err
			}
			fmt.Fprintln(a.out, styles.Success.Render(fmt.Sprintf(
				"Step %s marked completed (%d remaining). Continue with: cadence resume %s",
				sess.Reconciliation.Step, len(sess.Remaining), sess.ID)))
			return nil
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step the acknowledgement is for (must match the flagged step)")
	return cmd
}
