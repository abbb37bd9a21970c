package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/session"
	"github.com/Iron-Ham/cadence/internal/styles"
)

func newSessionsCmd() *cobra.Command {
	var (
		resumable bool
		clean     bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			store := a.store()

			if clean {
				cleaned, err := store.CleanupStaleLocks()
				if err != nil {
					return fmt.Errorf("failed to clean stale locks: %w", err)
				}
				for _, id := range cleaned {
					fmt.Fprintf(a.out, "Removed stale lock from %s\n", id)
				}
			}

			var infos []*session.Info
			if resumable {
				infos, err = store.Resumable()
			} else {
				infos, err = store.List()
			}
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			if len(infos) == 0 {
				fmt.Fprintln(a.out, styles.Muted.Render("No sessions found."))
				return nil
			}
			sessionTable(a.out, infos)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resumable, "resumable", false, "only list sessions that can be resumed")
	cmd.Flags().BoolVar(&clean, "clean", false, "remove locks left behind by dead processes first")
	return cmd
}

// resolveSession turns a full id, a unique id prefix or "" (most recently
// updated session) into a session id.
func resolveSession(store *session.Store, ref string) (string, error) {
	if ref != "" && store.Exists(ref) {
		return ref, nil
	}
	infos, err := store.List()
	if err != nil {
		return "", fmt.Errorf("failed to list sessions: %w", err)
	}
	if ref == "" {
		if len(infos) == 0 {
			return "", errors.NewSessionError("no sessions in this repository", errors.ErrSessionNotFound)
		}
		return infos[0].ID, nil
	}

	var matches []string
	for _, info := range infos {
		if strings.HasPrefix(info.ID, ref) {
			matches = append(matches, info.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.NewSessionError("no such session", errors.ErrSessionNotFound).WithSessionID(ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d sessions", errors.ErrInvalidInput, ref, len(matches))
	}
}
