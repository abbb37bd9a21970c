package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/styles"
)

func newPublishCmd() *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "publish <session>",
		Short: "Push a completed session's commits to a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.openLog(); err != nil {
				return err
			}
			defer a.close()

			id, err := resolveSession(a.store(), args[0])
			if err != nil {
				return err
			}
			m, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			sess, err := m.Load(id)
			if err != nil {
				return err
			}
			url, err := m.Publish(cmd.Context(), sess, branch)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(a.out, "%s %s\n", styles.Success.Render("Published"), sess.PublishBranch)
			if url != "" {
				fmt.Fprintln(a.out, url)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch name (default: vcs.branch_prefix + session id)")
	return cmd
}
