package pipeline

import (
	"github.com/Iron-Ham/cadence/internal/drift"
	"github.com/Iron-Ham/cadence/internal/plan"
)

// CommitPolicy controls whether the commit phase pauses for confirmation.
type CommitPolicy string

const (
	// PolicyImmediate stages, commits and closes the tracker item without pausing.
	PolicyImmediate CommitPolicy = "immediate"

	// PolicyConfirmed asks a human before committing.
	PolicyConfirmed CommitPolicy = "confirmed"
)

// Valid reports whether p is a known policy.
func (p CommitPolicy) Valid() bool {
	return p == PolicyImmediate || p == PolicyConfirmed
}

// GateDecision records how the drift gate was passed for the current
// implementation artifact.
type GateDecision string

const (
	// GatePending means the gate has not run for the current implementation.
	GatePending GateDecision = ""

	// GatePassed means the assessment was not blocking.
	GatePassed GateDecision = "passed"

	// GateContinued means a human chose to continue past blocking drift.
	GateContinued GateDecision = "continue"
)

// StepProgress is the per-step state the controller needs beyond the
// artifacts themselves. It is owned by the session record and persisted
// through StepContext.Checkpoint after every mutation.
type StepProgress struct {
	VerificationRetries int          `json:"verification_retries"`
	QualityRetries      int          `json:"quality_retries"`
	GateDecision        GateDecision `json:"gate_decision,omitempty"`

	// Partial is set while an early-stopped implementation awaits review;
	// EarlyStop holds the observer's assessment for that review.
	Partial   bool              `json:"partial,omitempty"`
	EarlyStop *drift.Assessment `json:"early_stop,omitempty"`

	// Feedback is carried into the next invocation of the phase being reworked.
	Feedback string `json:"feedback,omitempty"`
}

// resetCounters clears loop counters, used when a step restarts from Strategy.
func (p *StepProgress) resetCounters() {
	p.VerificationRetries = 0
	p.QualityRetries = 0
}

// StepContext is everything RunStep needs to drive one step.
type StepContext struct {
	Step plan.Step

	// ItemID is the tracker item closed when the step commits. Empty skips
	// the tracker.
	ItemID string

	// Progress is mutated in place. It must not be nil.
	Progress *StepProgress

	// Checkpoint persists Progress. It is called after every mutation and a
	// failure halts the step. Nil disables persistence.
	Checkpoint func() error
}

// StepResult reports how RunStep ended.
type StepResult struct {
	StepID    string `json:"step_id"`
	Completed bool   `json:"completed"`
	// Aborted and Committed are both true when the commit landed but the
	// tracker item could not be closed.
	Aborted   bool   `json:"aborted"`
	Committed bool   `json:"committed"`
	Revision  string `json:"revision,omitempty"`
	// Phase is where the step stopped when it did not complete.
	Phase  string `json:"phase,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CommitRecord is the payload of a step's commit artifact.
type CommitRecord struct {
	Message       string   `json:"message"`
	Files         []string `json:"files,omitempty"`
	Revision      string   `json:"revision,omitempty"`
	TrackerItem   string   `json:"tracker_item,omitempty"`
	TrackerClosed bool     `json:"tracker_closed"`
	CloseError    string   `json:"close_error,omitempty"`
}
