// Package phase names the fixed per-step pipeline and the order its
// artifacts must appear in.
package phase

import "fmt"

// Phase is one stage of the per-step pipeline that produces an artifact.
type Phase string

// The six artifact-producing phases, in pipeline order.
const (
	Strategy       Phase = "strategy"
	Implementation Phase = "implementation"
	Verification   Phase = "verification"
	QualityReview  Phase = "quality_review"
	Logging        Phase = "logging"
	Commit         Phase = "commit"
)

// None is returned when a step has no artifacts yet.
const None Phase = ""

// DriftGate is the decision point between Implementation and Verification.
// It runs no worker and writes no artifact; it is named so that halts and
// logs can point at it.
const DriftGate Phase = "drift_gate"

var order = []Phase{Strategy, Implementation, Verification, QualityReview, Logging, Commit}

// All returns the artifact-producing phases in pipeline order.
func All() []Phase {
	out := make([]Phase, len(order))
	copy(out, order)
	return out
}

// Ordinal returns the 1-based position of p in the pipeline, or 0 if p is
// not an artifact-producing phase.
func (p Phase) Ordinal() int {
	for i, q := range order {
		if q == p {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether p is one of the six artifact-producing phases.
func (p Phase) Valid() bool {
	return p.Ordinal() > 0
}

// Next returns the phase after p. Next(None) is Strategy; Next(Commit) is None.
func (p Phase) Next() Phase {
	if p == None {
		return Strategy
	}
	n := p.Ordinal()
	if n == 0 || n == len(order) {
		return None
	}
	return order[n]
}

// Before returns the phases that must have artifacts before p may.
func (p Phase) Before() []Phase {
	n := p.Ordinal()
	if n <= 1 {
		return nil
	}
	return All()[:n-1]
}

// Idempotent reports whether re-running p after a failed invocation is safe.
// Implementation mutates the work tree and Commit mutates history, so
// neither is re-run without a human decision.
func (p Phase) Idempotent() bool {
	switch p {
	case Strategy, Verification, QualityReview, Logging:
		return true
	default:
		return false
	}
}

// Loop reports whether p ends in a bounded rework loop.
func (p Phase) Loop() bool {
	return p == Verification || p == QualityReview
}

// Parse converts a name into a Phase, accepting only artifact-producing phases.
func Parse(name string) (Phase, error) {
	p := Phase(name)
	if !p.Valid() {
		return None, fmt.Errorf("unknown phase %q", name)
	}
	return p, nil
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p == None {
		return "none"
	}
	return string(p)
}
