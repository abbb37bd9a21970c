package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
)

// CommandExecutor runs a command in dir and returns its combined output.
// This allows for dependency injection in tests.
type CommandExecutor func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// defaultExecutor runs commands using os/exec.
var defaultExecutor CommandExecutor = func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Beads tracks steps as beads issues through the bd CLI.
type Beads struct {
	command     string
	labels      []string
	dir         string
	concurrency int
	executor    CommandExecutor
}

// NewBeads creates a beads tracker running bd in dir.
func NewBeads(cfg config.BeadsConfig, dir string, concurrency int) *Beads {
	return NewBeadsWithExecutor(cfg, dir, concurrency, defaultExecutor)
}

// NewBeadsWithExecutor creates a beads tracker with a custom command executor
// for testing.
func NewBeadsWithExecutor(cfg config.BeadsConfig, dir string, concurrency int, executor CommandExecutor) *Beads {
	command := cfg.Command
	if command == "" {
		command = "bd"
	}
	return &Beads{
		command:     command,
		labels:      cfg.Labels,
		dir:         dir,
		concurrency: concurrency,
		executor:    executor,
	}
}

type beadsIssue struct {
	ID          string `json:"id"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// SyncAndMap finds issues whose external ref carries a step marker and
// creates the rest.
func (b *Beads) SyncAndMap(ctx context.Context, p *plan.Plan) (map[string]string, error) {
	existing, err := b.existing(ctx)
	if err != nil {
		return nil, err
	}
	return syncSteps(ctx, p, existing, b.concurrency, func(ctx context.Context, s plan.Step) (string, error) {
		return b.create(ctx, p, s)
	})
}

func (b *Beads) existing(ctx context.Context) (map[string]string, error) {
	args := []string{"list", "--all", "--json"}
	for _, l := range b.labels {
		args = append(args, "--label", l)
	}
	output, err := b.executor(ctx, b.dir, b.command, args...)
	if err != nil {
		return nil, b.wrap("list issues", "list", err, output)
	}

	var issues []beadsIssue
	if err := json.Unmarshal(output, &issues); err != nil {
		return nil, b.wrap("parse issue list", "list", fmt.Errorf("%w: %v", errors.ErrMalformedResponse, err), output)
	}
	found := make(map[string]string)
	for _, issue := range issues {
		if step, ok := strings.CutPrefix(issue.ExternalRef, "cadence-step:"); ok && step != "" {
			if _, dup := found[step]; !dup {
				found[step] = issue.ID
			}
		}
	}
	return found, nil
}

func (b *Beads) create(ctx context.Context, p *plan.Plan, s plan.Step) (string, error) {
	args := []string{"create", itemTitle(p, s),
		"--description", itemBody(s),
		"--type", "task",
		"--external-ref", stepMarker(s.ID),
		"--json",
	}
	if len(b.labels) > 0 {
		args = append(args, "--labels", strings.Join(b.labels, ","))
	}
	output, err := b.executor(ctx, b.dir, b.command, args...)
	if err != nil {
		return "", b.wrap("create issue", "create", err, output)
	}

	var issue beadsIssue
	if err := json.Unmarshal(output, &issue); err != nil || issue.ID == "" {
		if err == nil {
			err = fmt.Errorf("missing id")
		}
		return "", b.wrap("parse created issue", "create", fmt.Errorf("%w: %v", errors.ErrMalformedResponse, err), output)
	}
	return issue.ID, nil
}

// Close runs bd close with the reason.
func (b *Beads) Close(ctx context.Context, itemID, reason string) error {
	args := []string{"close", itemID}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	output, err := b.executor(ctx, b.dir, b.command, args...)
	if err != nil {
		return b.wrap("close issue", "close", err, output)
	}
	return nil
}

func (b *Beads) wrap(msg, op string, err error, output []byte) error {
	out := string(output)
	return errors.NewAdapterError(msg, err).
		WithAdapter("beads").
		WithOperation(op).
		WithOutput(out).
		WithRetryable(isRetryableBeadsOutput(out))
}

// isRetryableBeadsOutput detects lock contention in the beads database, which
// clears once the other writer finishes.
func isRetryableBeadsOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, s := range []string{"database is locked", "busy", "connection refused", "timeout"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
