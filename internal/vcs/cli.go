package vcs

import (
	"context"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// CLI implements VCS with git commands.
type CLI struct {
	dir      string
	remote   string
	executor CommandExecutor
}

// NewCLI creates a git CLI backend for the work tree at dir.
func NewCLI(dir, remote string) *CLI {
	return NewCLIWithExecutor(dir, remote, CLICommandExecutor{})
}

// NewCLIWithExecutor creates a CLI backend with a custom executor.
// This is primarily useful for testing.
func NewCLIWithExecutor(dir, remote string, executor CommandExecutor) *CLI {
	return &CLI{dir: dir, remote: remote, executor: executor}
}

func (g *CLI) git(ctx context.Context, op, msg string, args ...string) (string, error) {
	output, err := g.executor.Run(ctx, g.dir, "git", args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return string(output), context.Cause(ctx)
		}
		return string(output), adapterError("git", op, msg, err, string(output))
	}
	return string(output), nil
}

// Stage runs git add for files, or git add -A when files is empty.
func (g *CLI) Stage(ctx context.Context, files []string) error {
	args := []string{"add", "-A"}
	if len(files) > 0 {
		args = append(args, "--")
		args = append(args, files...)
	}
	_, err := g.git(ctx, "stage", "failed to stage changes", args...)
	return err
}

// Commit runs git commit and returns the new HEAD.
func (g *CLI) Commit(ctx context.Context, message string) (string, error) {
	output, err := g.executor.Run(ctx, g.dir, "git", "commit", "-m", message)
	if err != nil {
		out := string(output)
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") ||
			strings.Contains(out, "no changes added to commit") {
			return "", errors.ErrNothingToCommit
		}
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", adapterError("git", "commit", "failed to commit changes", err, out)
	}

	rev, err := g.git(ctx, "commit", "failed to resolve HEAD", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(rev), nil
}

// ChangedFiles parses git status --porcelain -z.
func (g *CLI) ChangedFiles(ctx context.Context) ([]string, error) {
	output, err := g.git(ctx, "status", "failed to check git status",
		"status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(output), nil
}

// parsePorcelainZ extracts paths from NUL-separated porcelain v1 output.
// Renames and copies carry the original path as an extra record, which is
// skipped.
func parsePorcelainZ(output string) []string {
	var files []string
	records := strings.Split(output, "\x00")
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 4 {
			continue
		}
		status, path := rec[:2], rec[3:]
		files = append(files, path)
		if status[0] == 'R' || status[0] == 'C' {
			i++
		}
	}
	return files
}

// Publish pushes HEAD to refs/heads/<branch> and reports the branch URL.
func (g *CLI) Publish(ctx context.Context, branch string) (string, error) {
	if _, err := g.git(ctx, "publish", "failed to push branch",
		"push", g.remote, "HEAD:refs/heads/"+branch); err != nil {
		return "", err
	}
	remoteURL, err := g.git(ctx, "publish", "failed to read remote url", "remote", "get-url", g.remote)
	if err != nil {
		return "", err
	}
	return BranchURL(remoteURL, branch), nil
}
