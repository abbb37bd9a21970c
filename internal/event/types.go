// Package event defines the events published while a session runs and a
// synchronous bus to deliver them. The pipeline publishes; the CLI and the
// session log subscribe, so neither needs to know about the other.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "phase.started".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypePhaseStarted       = "phase.started"
	TypePhaseCompleted     = "phase.completed"
	TypePhaseFailed        = "phase.failed"
	TypeDriftAssessed      = "drift.assessed"
	TypeEscalationRaised   = "escalation.raised"
	TypeEscalationResolved = "escalation.resolved"
	TypeStepCompleted      = "step.completed"
	TypeStepAborted        = "step.aborted"
	TypeSessionHalted      = "session.halted"
	TypeSessionCompleted   = "session.completed"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Phase Events
// -----------------------------------------------------------------------------

// PhaseStartedEvent is emitted before a phase worker is invoked.
type PhaseStartedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Phase     string
	Attempt   int
}

// NewPhaseStartedEvent creates a PhaseStartedEvent.
func NewPhaseStartedEvent(sessionID, stepID, phase string, attempt int) PhaseStartedEvent {
	return PhaseStartedEvent{
		baseEvent: newBaseEvent(TypePhaseStarted),
		SessionID: sessionID,
		StepID:    stepID,
		Phase:     phase,
		Attempt:   attempt,
	}
}

// PhaseCompletedEvent is emitted once a phase's artifact has been written.
type PhaseCompletedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Phase     string
	Verdict   string
}

// NewPhaseCompletedEvent creates a PhaseCompletedEvent.
func NewPhaseCompletedEvent(sessionID, stepID, phase, verdict string) PhaseCompletedEvent {
	return PhaseCompletedEvent{
		baseEvent: newBaseEvent(TypePhaseCompleted),
		SessionID: sessionID,
		StepID:    stepID,
		Phase:     phase,
		Verdict:   verdict,
	}
}

// PhaseFailedEvent is emitted when a worker invocation fails or returns a
// malformed payload.
type PhaseFailedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Phase     string
	Error     string
	Retrying  bool
}

// NewPhaseFailedEvent creates a PhaseFailedEvent.
func NewPhaseFailedEvent(sessionID, stepID, phase string, err error, retrying bool) PhaseFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return PhaseFailedEvent{
		baseEvent: newBaseEvent(TypePhaseFailed),
		SessionID: sessionID,
		StepID:    stepID,
		Phase:     phase,
		Error:     msg,
		Retrying:  retrying,
	}
}

// -----------------------------------------------------------------------------
// Drift and Escalation Events
// -----------------------------------------------------------------------------

// DriftAssessedEvent is emitted after every drift classification, including
// the ones made by the early-stop observer.
type DriftAssessedEvent struct {
	baseEvent
	SessionID  string
	StepID     string
	Severity   string
	YellowUsed int
	RedUsed    int
	Unexpected int
	Early      bool // true when produced by the observer mid-implementation
}

// NewDriftAssessedEvent creates a DriftAssessedEvent.
func NewDriftAssessedEvent(sessionID, stepID, severity string, yellowUsed, redUsed, unexpected int, early bool) DriftAssessedEvent {
	return DriftAssessedEvent{
		baseEvent:  newBaseEvent(TypeDriftAssessed),
		SessionID:  sessionID,
		StepID:     stepID,
		Severity:   severity,
		YellowUsed: yellowUsed,
		RedUsed:    redUsed,
		Unexpected: unexpected,
		Early:      early,
	}
}

// EscalationRaisedEvent is emitted when the pipeline blocks on a human decision.
type EscalationRaisedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Phase     string
	Context   string
	Options   []string
}

// NewEscalationRaisedEvent creates an EscalationRaisedEvent.
func NewEscalationRaisedEvent(sessionID, stepID, phase, context string, options []string) EscalationRaisedEvent {
	return EscalationRaisedEvent{
		baseEvent: newBaseEvent(TypeEscalationRaised),
		SessionID: sessionID,
		StepID:    stepID,
		Phase:     phase,
		Context:   context,
		Options:   options,
	}
}

// EscalationResolvedEvent is emitted with the option a human selected.
type EscalationResolvedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Context   string
	Choice    string
}

// NewEscalationResolvedEvent creates an EscalationResolvedEvent.
func NewEscalationResolvedEvent(sessionID, stepID, context, choice string) EscalationResolvedEvent {
	return EscalationResolvedEvent{
		baseEvent: newBaseEvent(TypeEscalationResolved),
		SessionID: sessionID,
		StepID:    stepID,
		Context:   context,
		Choice:    choice,
	}
}

// -----------------------------------------------------------------------------
// Step and Session Events
// -----------------------------------------------------------------------------

// StepCompletedEvent is emitted when a step's commit phase finishes cleanly.
type StepCompletedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Revision  string
}

// NewStepCompletedEvent creates a StepCompletedEvent.
func NewStepCompletedEvent(sessionID, stepID, revision string) StepCompletedEvent {
	return StepCompletedEvent{
		baseEvent: newBaseEvent(TypeStepCompleted),
		SessionID: sessionID,
		StepID:    stepID,
		Revision:  revision,
	}
}

// StepAbortedEvent is emitted when a step stops without completing.
// Committed is true for the reconciliation case.
type StepAbortedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Phase     string
	Reason    string
	Committed bool
}

// NewStepAbortedEvent creates a StepAbortedEvent.
func NewStepAbortedEvent(sessionID, stepID, phase, reason string, committed bool) StepAbortedEvent {
	return StepAbortedEvent{
		baseEvent: newBaseEvent(TypeStepAborted),
		SessionID: sessionID,
		StepID:    stepID,
		Phase:     phase,
		Reason:    reason,
		Committed: committed,
	}
}

// SessionHaltedEvent is emitted when a session stops making progress.
type SessionHaltedEvent struct {
	baseEvent
	SessionID string
	StepID    string
	Phase     string
	Reason    string
}

// NewSessionHaltedEvent creates a SessionHaltedEvent.
func NewSessionHaltedEvent(sessionID, stepID, phase, reason string) SessionHaltedEvent {
	return SessionHaltedEvent{
		baseEvent: newBaseEvent(TypeSessionHalted),
		SessionID: sessionID,
		StepID:    stepID,
		Phase:     phase,
		Reason:    reason,
	}
}

// SessionCompletedEvent is emitted when every step of a session has completed.
type SessionCompletedEvent struct {
	baseEvent
	SessionID string
	Steps     int
}

// NewSessionCompletedEvent creates a SessionCompletedEvent.
func NewSessionCompletedEvent(sessionID string, steps int) SessionCompletedEvent {
	return SessionCompletedEvent{
		baseEvent: newBaseEvent(TypeSessionCompleted),
		SessionID: sessionID,
		Steps:     steps,
	}
}
