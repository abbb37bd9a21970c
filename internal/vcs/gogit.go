package vcs

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// GoGit implements VCS in-process with go-git.
type GoGit struct {
	repo   *git.Repository
	remote string
}

// OpenGoGit opens the repository whose work tree is rooted at dir.
func OpenGoGit(dir, remote string) (*GoGit, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, adapterError("gogit", "open", fmt.Sprintf("failed to open repository at %s", dir), err, "")
	}
	return &GoGit{repo: repo, remote: remote}, nil
}

func (g *GoGit) worktree(op string) (*git.Worktree, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, adapterError("gogit", op, "repository has no work tree", err, "")
	}
	return wt, nil
}

// Stage adds files to the index; deleted files are removed from it.
func (g *GoGit) Stage(ctx context.Context, files []string) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	wt, err := g.worktree("stage")
	if err != nil {
		return err
	}

	if len(files) == 0 {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return adapterError("gogit", "stage", "failed to stage changes", err, "")
		}
		return nil
	}

	status, err := wt.Status()
	if err != nil {
		return adapterError("gogit", "stage", "failed to read status", err, "")
	}
	for _, f := range files {
		f = filepath.ToSlash(filepath.Clean(f))
		if fs, ok := status[f]; ok && fs.Worktree == git.Deleted {
			if _, err := wt.Remove(f); err != nil {
				return adapterError("gogit", "stage", fmt.Sprintf("failed to stage removal of %s", f), err, "")
			}
			continue
		}
		if _, err := wt.Add(f); err != nil {
			return adapterError("gogit", "stage", fmt.Sprintf("failed to stage %s", f), err, "")
		}
	}
	return nil
}

// Commit records the index. The author comes from the repository config.
func (g *GoGit) Commit(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", context.Cause(ctx)
	}
	wt, err := g.worktree("commit")
	if err != nil {
		return "", err
	}

	status, err := wt.Status()
	if err != nil {
		return "", adapterError("gogit", "commit", "failed to read status", err, "")
	}
	if !hasStaged(status) {
		return "", errors.ErrNothingToCommit
	}

	hash, err := wt.Commit(message, &git.CommitOptions{})
	if err != nil {
		return "", adapterError("gogit", "commit", "failed to commit changes", err, "")
	}
	return hash.String(), nil
}

func hasStaged(status git.Status) bool {
	for _, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true
		}
	}
	return false
}

// ChangedFiles lists every path with a staged or unstaged change.
func (g *GoGit) ChangedFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	wt, err := g.worktree("status")
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, adapterError("gogit", "status", "failed to read status", err, "")
	}

	var files []string
	for path, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// Publish points branch at HEAD locally and force-pushes it to the remote.
func (g *GoGit) Publish(ctx context.Context, branch string) (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", adapterError("gogit", "publish", "failed to resolve HEAD", err, "")
	}
	remote, err := g.repo.Remote(g.remote)
	if err != nil {
		return "", adapterError("gogit", "publish", fmt.Sprintf("remote %q not found", g.remote), err, "")
	}

	// Point a local branch at HEAD so the push refspec names a reference.
	ref := plumbing.NewBranchReferenceName(branch)
	if err := g.repo.Storer.SetReference(plumbing.NewHashReference(ref, head.Hash())); err != nil {
		return "", adapterError("gogit", "publish", fmt.Sprintf("failed to create branch %s", branch), err, "")
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))
	err = g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: g.remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", adapterError("gogit", "publish", "failed to push branch", err, "")
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", adapterError("gogit", "publish", fmt.Sprintf("remote %q has no url", g.remote), errors.ErrInvalidInput, "")
	}
	return BranchURL(urls[0], branch), nil
}
