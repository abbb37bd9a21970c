// Package tracker mirrors plan steps into an external issue tracker and
// closes the matching item when a step is committed.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/plan"
)

// Tracker is the issue-tracker contract the session and pipeline consume.
type Tracker interface {
	// SyncAndMap makes sure every plan step has a tracker item and returns
	// the step id -> item id mapping. It is safe to call repeatedly.
	SyncAndMap(ctx context.Context, p *plan.Plan) (map[string]string, error)
	// Close marks an item done with a human-readable reason.
	Close(ctx context.Context, itemID, reason string) error
}

// stepMarker tags tracker items so that a re-run finds the existing item
// instead of creating a duplicate.
func stepMarker(stepID string) string {
	return "cadence-step:" + stepID
}

func itemTitle(p *plan.Plan, s plan.Step) string {
	title := s.Title
	if title == "" {
		title = s.ID
	}
	if p.Title != "" {
		title = p.Title + ": " + title
	}
	return title
}

func itemBody(s plan.Step) string {
	var b strings.Builder
	for _, t := range s.Tasks {
		b.WriteString("- [ ] " + t + "\n")
	}
	if len(s.ExpectedArtifacts) > 0 {
		b.WriteString("\nExpected files:\n")
		for _, a := range s.ExpectedArtifacts {
			b.WriteString("- `" + a + "`\n")
		}
	}
	if len(s.VerificationCommands) > 0 {
		b.WriteString("\nVerification:\n")
		for _, c := range s.VerificationCommands {
			b.WriteString("- `" + c + "`\n")
		}
	}
	return b.String()
}

// ensureFunc creates the item for one step and returns its id.
type ensureFunc func(ctx context.Context, s plan.Step) (string, error)

// syncSteps creates items for the steps missing from existing, at most
// limit at a time, and returns the merged mapping.
func syncSteps(ctx context.Context, p *plan.Plan, existing map[string]string, limit int, ensure ensureFunc) (map[string]string, error) {
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	result := make(map[string]string, len(p.Steps))
	for k, v := range existing {
		result[k] = v
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, s := range p.Steps {
		if _, ok := existing[s.ID]; ok {
			continue
		}
		g.Go(func() error {
			id, err := ensure(gctx, s)
			if err != nil {
				return fmt.Errorf("step %s: %w", s.ID, err)
			}
			mu.Lock()
			result[s.ID] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Only keep steps that are in the plan.
	for id := range result {
		if _, err := p.GetStep(id); err != nil {
			delete(result, id)
		}
	}
	return result, nil
}

// None is the tracker used when no provider is configured. Items are the
// step ids themselves and closing is a no-op.
type None struct{}

// SyncAndMap maps every step to itself.
func (None) SyncAndMap(_ context.Context, p *plan.Plan) (map[string]string, error) {
	m := make(map[string]string, len(p.Steps))
	for _, s := range p.Steps {
		m[s.ID] = s.ID
	}
	return m, nil
}

// Close does nothing.
func (None) Close(context.Context, string, string) error {
	return nil
}

// New builds the tracker selected by cfg, wrapped with retries.
func New(ctx context.Context, cfg config.TrackerConfig, workDir string, logger *logging.Logger) (Tracker, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With("component", "tracker", "provider", cfg.Provider)

	var t Tracker
	switch cfg.Provider {
	case "", "none":
		return None{}, nil
	case "github":
		gh, err := NewGitHubFromConfig(ctx, cfg.GitHub, cfg.SyncConcurrency)
		if err != nil {
			return nil, err
		}
		t = gh
	case "beads":
		t = NewBeads(cfg.Beads, workDir, cfg.SyncConcurrency)
	default:
		return nil, fmt.Errorf("%w: unknown tracker provider %q", errors.ErrInvalidInput, cfg.Provider)
	}
	return NewRetrying(t, cfg.RetryMaxElapsed(), logger), nil
}
