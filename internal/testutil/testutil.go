// Package testutil provides git repository fixtures for cadence tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on main.
// The test is skipped when git is not installed.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()

	RunGit(t, dir, "init")
	RunGit(t, dir, "config", "user.email", "test@cadence.dev")
	RunGit(t, dir, "config", "user.name", "Cadence Test")
	RunGit(t, dir, "config", "commit.gpgsign", "false")

	WriteFile(t, dir, "README.md", "# Test Repository\n")
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Initial commit")

	// Some systems default to master.
	RunGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithContent creates a test repository and commits files on top
// of the initial commit. Keys are repository-relative paths.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Add test files")
	return dir
}

// SetupTestRepoWithRemote creates a test repository pushed to a bare
// "origin" in another temp directory.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()
	SkipIfNoGit(t)

	remoteDir = t.TempDir()
	RunGit(t, remoteDir, "init", "--bare")

	repoDir = SetupTestRepo(t)
	RunGit(t, repoDir, "remote", "add", "origin", remoteDir)
	RunGit(t, repoDir, "push", "-u", "origin", "main")

	return repoDir, remoteDir
}

// WriteFile writes content to a repository-relative path, creating parents.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	full := filepath.Join(repoDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CommitFile writes and commits a single file.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	RunGit(t, repoDir, "add", path)
	RunGit(t, repoDir, "commit", "-m", message)
}

// CommitCount returns the number of commits reachable from rev.
func CommitCount(t *testing.T, repoDir, rev string) int {
	t.Helper()

	out := RunGit(t, repoDir, "rev-list", "--count", rev)
	n, err := strconv.Atoi(out)
	if err != nil {
		t.Fatalf("failed to parse commit count %q: %v", out, err)
	}
	return n
}

// Head returns the full hash of HEAD.
func Head(t *testing.T, repoDir string) string {
	t.Helper()
	return RunGit(t, repoDir, "rev-parse", "HEAD")
}

// RunGit runs git in dir, failing the test on error, and returns trimmed
// stdout+stderr.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Cadence Test",
		"GIT_AUTHOR_EMAIL=test@cadence.dev",
		"GIT_COMMITTER_NAME=Cadence Test",
		"GIT_COMMITTER_EMAIL=test@cadence.dev",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}
