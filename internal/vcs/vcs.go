// Package vcs adapts version control for the commit phase and for publishing
// a finished session.
//
// Two backends are provided: CLI shells out to git through an injectable
// executor, and GoGit drives the repository in-process with go-git. Both
// operate on a work tree rooted at the directory they were created with;
// file arguments are paths relative to that root.
package vcs

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
)

// VCS is the version-control surface the pipeline and session consume.
type VCS interface {
	// Stage adds files to the index. An empty list stages every change.
	Stage(ctx context.Context, files []string) error

	// Commit records the index and returns the new revision id. It returns
	// errors.ErrNothingToCommit when the index matches HEAD.
	Commit(ctx context.Context, message string) (string, error)

	// ChangedFiles lists paths that differ from HEAD, including untracked files.
	ChangedFiles(ctx context.Context) ([]string, error)

	// Publish pushes HEAD to branch on the configured remote and returns a
	// URL describing where it landed.
	Publish(ctx context.Context, branch string) (string, error)
}

// New returns the backend selected by cfg for the work tree at dir.
func New(cfg config.VCSConfig, dir string) (VCS, error) {
	remote := cfg.Remote
	if remote == "" {
		remote = "origin"
	}
	switch cfg.Backend {
	case "", "cli":
		return NewCLI(dir, remote), nil
	case "gogit":
		return OpenGoGit(dir, remote)
	default:
		return nil, fmt.Errorf("%w: unknown vcs backend %q", errors.ErrInvalidInput, cfg.Backend)
	}
}

// BranchName joins the configured prefix and a session id.
func BranchName(prefix, sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return prefix + sessionID
}

// BranchURL turns a remote URL and branch into a browsable location. Hosted
// remotes (https or scp-style ssh) become https://host/owner/repo/tree/branch;
// anything else is returned as remote#branch.
func BranchURL(remoteURL, branch string) string {
	remoteURL = strings.TrimSpace(remoteURL)

	var host, path string
	switch {
	case strings.HasPrefix(remoteURL, "https://"), strings.HasPrefix(remoteURL, "http://"),
		strings.HasPrefix(remoteURL, "ssh://"):
		u, err := url.Parse(remoteURL)
		if err != nil || u.Host == "" {
			return remoteURL + "#" + branch
		}
		host, path = u.Hostname(), u.Path
	case strings.Contains(remoteURL, "@") && strings.Contains(remoteURL, ":") && !filepath.IsAbs(remoteURL):
		// git@github.com:owner/repo.git
		rest := remoteURL[strings.Index(remoteURL, "@")+1:]
		host, path, _ = strings.Cut(rest, ":")
	default:
		return remoteURL + "#" + branch
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if host == "" || path == "" {
		return remoteURL + "#" + branch
	}
	return fmt.Sprintf("https://%s/%s/tree/%s", host, path, branch)
}

func adapterError(backend, op, msg string, err error, output string) error {
	return errors.NewAdapterError(msg, err).
		WithAdapter(backend).
		WithOperation(op).
		WithOutput(output)
}
