package escalation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// ScriptedGateway answers escalations from per-context queues. It backs the
// --decide flag and tests.
type ScriptedGateway struct {
	mu       sync.Mutex
	answers  map[Context][]Option
	requests []Request
}

// NewScriptedGateway returns an empty ScriptedGateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{answers: make(map[Context][]Option)}
}

// Add queues answers for a context. They are consumed in order.
func (g *ScriptedGateway) Add(c Context, opts ...Option) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers[c] = append(g.answers[c], opts...)
	return g
}

// ParseDecisions reads "context=option" pairs, as given to --decide.
func ParseDecisions(specs []string) (*ScriptedGateway, error) {
	g := NewScriptedGateway()
	for _, spec := range specs {
		name, opt, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(opt) == "" {
			return nil, fmt.Errorf("%w: decision %q must be context=option", errors.ErrInvalidInput, spec)
		}
		c, err := ParseContext(name)
		if err != nil {
			return nil, err
		}
		o := Option(strings.TrimSpace(opt))
		if !slices.Contains(Menu(c), o) {
			return nil, fmt.Errorf("%w: %q is not an option for %s (menu: %s)",
				errors.ErrInvalidInput, o, c, joinOptions(Menu(c)))
		}
		g.Add(c, o)
	}
	return g, nil
}

// Decide pops the next queued answer for the request's context.
func (g *ScriptedGateway) Decide(ctx context.Context, req Request) (Option, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	queue := g.answers[req.Context]
	if len(queue) == 0 {
		return "", fmt.Errorf("%w: no scripted answer for %s", errors.ErrNoDecision, req.Context)
	}
	g.answers[req.Context] = queue[1:]
	return queue[0], nil
}

// Requests returns every request seen so far, in order.
func (g *ScriptedGateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Remaining reports how many answers are still queued.
func (g *ScriptedGateway) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, q := range g.answers {
		n += len(q)
	}
	return n
}

// Chain asks each gateway in turn and returns the first decision. A gateway
// answering errors.ErrNoDecision passes the request on; any other error stops
// the chain.
func Chain(gateways ...Gateway) Gateway {
	return GatewayFunc(func(ctx context.Context, req Request) (Option, error) {
		for _, gw := range gateways {
			choice, err := gw.Decide(ctx, req)
			if err == nil {
				return choice, nil
			}
			if !errors.Is(err, errors.ErrNoDecision) {
				return "", err
			}
		}
		return "", fmt.Errorf("%w: %s", errors.ErrNoDecision, req.Context)
	})
}
