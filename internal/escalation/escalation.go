// Package escalation asks a human to pick from a fixed menu whenever the
// pipeline cannot safely decide on its own.
package escalation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// Context names the situation that raised an escalation.
type Context string

const (
	ContextDriftGate           Context = "drift_gate"
	ContextVerificationCeiling Context = "verification_ceiling"
	ContextQualityCeiling      Context = "quality_ceiling"
	ContextWorkerEscalation    Context = "worker_escalation"
	ContextPhaseFailure        Context = "phase_failure"
	ContextCommitConfirmation  Context = "commit_confirmation"
	ContextReconciliation      Context = "reconciliation"
)

// Contexts returns every known escalation context.
func Contexts() []Context {
	return []Context{
		ContextDriftGate,
		ContextVerificationCeiling,
		ContextQualityCeiling,
		ContextWorkerEscalation,
		ContextPhaseFailure,
		ContextCommitConfirmation,
		ContextReconciliation,
	}
}

// ParseContext validates a context name.
func ParseContext(name string) (Context, error) {
	c := Context(strings.TrimSpace(name))
	if slices.Contains(Contexts(), c) {
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown escalation context %q", errors.ErrInvalidInput, name)
}

// Option is one menu entry.
type Option string

const (
	OptionContinue    Option = "continue"
	OptionRevise      Option = "revise"
	OptionAbort       Option = "abort"
	OptionRetry       Option = "retry"
	OptionCommit      Option = "commit"
	OptionAcknowledge Option = "acknowledge"
)

// Describe returns the label shown next to an option in prompts.
func (o Option) Describe() string {
	switch o {
	case OptionContinue:
		return "Continue with the current result"
	case OptionRevise:
		return "Revise the strategy and start the step over"
	case OptionAbort:
		return "Abort the step and halt the session"
	case OptionRetry:
		return "Retry the phase"
	case OptionCommit:
		return "Commit the staged changes"
	case OptionAcknowledge:
		return "Acknowledge and reconcile manually"
	default:
		return string(o)
	}
}

// Menu returns the fixed option set for a context.
func Menu(c Context) []Option {
	switch c {
	case ContextDriftGate, ContextVerificationCeiling, ContextQualityCeiling, ContextWorkerEscalation:
		return []Option{OptionContinue, OptionRevise, OptionAbort}
	case ContextPhaseFailure:
		return []Option{OptionRetry, OptionAbort}
	case ContextCommitConfirmation:
		return []Option{OptionCommit, OptionAbort}
	case ContextReconciliation:
		return []Option{OptionAcknowledge, OptionAbort}
	default:
		return nil
	}
}

// Request is a blocking question with a fixed menu.
type Request struct {
	Context   Context  `json:"context"`
	SessionID string   `json:"session_id,omitempty"`
	Step      string   `json:"step"`
	Phase     string   `json:"phase,omitempty"`
	Summary   string   `json:"summary"`
	Details   []string `json:"details,omitempty"`
	Options   []Option `json:"options"`
}

// NewRequest builds a request with the standard menu for c.
func NewRequest(c Context, step, phase, summary string, details ...string) Request {
	return Request{
		Context: c,
		Step:    step,
		Phase:   phase,
		Summary: summary,
		Details: details,
		Options: Menu(c),
	}
}

// Validate checks the menu has between 2 and 4 unique, non-empty options.
func (r Request) Validate() error {
	if len(r.Options) < 2 || len(r.Options) > 4 {
		return fmt.Errorf("%w: %d options, need 2 to 4", errors.ErrInvalidMenu, len(r.Options))
	}
	seen := make(map[Option]bool, len(r.Options))
	for _, o := range r.Options {
		if strings.TrimSpace(string(o)) == "" {
			return fmt.Errorf("%w: empty option", errors.ErrInvalidMenu)
		}
		if seen[o] {
			return fmt.Errorf("%w: duplicate option %q", errors.ErrInvalidMenu, o)
		}
		seen[o] = true
	}
	return nil
}

// Offers reports whether o is on the request's menu.
func (r Request) Offers(o Option) bool {
	return slices.Contains(r.Options, o)
}

// Gateway obtains a decision. It blocks until a choice is made, ctx is done,
// or no decision can be obtained (errors.ErrNoDecision).
type Gateway interface {
	Decide(ctx context.Context, req Request) (Option, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req Request) (Option, error)

// Decide calls f.
func (f GatewayFunc) Decide(ctx context.Context, req Request) (Option, error) {
	return f(ctx, req)
}

type validated struct {
	inner Gateway
}

// Validated wraps gw so that malformed menus are rejected before reaching it
// and answers outside the menu are rejected after.
func Validated(gw Gateway) Gateway {
	if v, ok := gw.(*validated); ok {
		return v
	}
	return &validated{inner: gw}
}

func (v *validated) Decide(ctx context.Context, req Request) (Option, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	choice, err := v.inner.Decide(ctx, req)
	if err != nil {
		return "", err
	}
	if !req.Offers(choice) {
		return "", fmt.Errorf("%w: %q for %s (menu: %s)", errors.ErrInvalidOption, choice, req.Context, joinOptions(req.Options))
	}
	return choice, nil
}

func joinOptions(opts []Option) string {
	parts := make([]string, len(opts))
	for i, o := range opts {
		parts[i] = string(o)
	}
	return strings.Join(parts, ", ")
}

// Unavailable is a gateway that never decides. Non-interactive runs without
// scripted answers use it so that every escalation halts the session.
var Unavailable Gateway = GatewayFunc(func(context.Context, Request) (Option, error) {
	return "", errors.ErrNoDecision
})
