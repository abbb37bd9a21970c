// Package errors provides centralized error definitions and error handling utilities
// for cadence. It defines the failure taxonomy of the orchestration core, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The taxonomy separates conditions by how the orchestrator must react to them:
//   - StructuralError: malformed state on disk or out-of-order artifacts. Fatal,
//     never repaired automatically; the only remedy is a fresh session.
//   - PhaseError: a worker invocation failed or returned a malformed payload.
//     Retried once when the phase is idempotent, escalated otherwise.
//   - AdapterError: an external collaborator (tracker, VCS, plan reader) failed.
//   - SessionError: session lifecycle problems (locked, missing, terminal).
//   - HaltError: the report attached to every halt, naming step, phase and reason.
//
// Drift conditions are deliberately not errors; they are routed through the
// escalation gateway as decisions.
//
// # Usage
//
//	err := errors.NewStructuralError("artifact written out of order", errors.ErrOutOfOrder).
//		WithStep("step-2").WithPhase("verification")
//
//	if errors.IsStructural(err) { ... }
//	if errors.Is(err, errors.ErrOutOfOrder) { ... }
//
//	var phaseErr *errors.PhaseError
//	if errors.As(err, &phaseErr) && phaseErr.IsRetryable() { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Artifact store sentinel errors
var (
	// ErrOutOfOrder indicates an artifact write or on-disk layout that breaks
	// the strict phase prefix order.
	ErrOutOfOrder = New("phase artifact out of order")
	// ErrArtifactCorrupted indicates an artifact file that exists but cannot be parsed.
	ErrArtifactCorrupted = New("phase artifact corrupted")
	// ErrArtifactNotFound indicates that a requested artifact is absent.
	ErrArtifactNotFound = New("phase artifact not found")
	// ErrUnknownPhase indicates a phase name outside the fixed pipeline.
	ErrUnknownPhase = New("unknown phase")
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionLocked indicates that a session is locked by another process.
	ErrSessionLocked = New("session is locked")
	// ErrSessionCorrupted indicates that session data is corrupted.
	ErrSessionCorrupted = New("session data corrupted")
	// ErrSessionTerminal indicates an attempt to run a completed or failed session.
	ErrSessionTerminal = New("session is terminal")
	// ErrReconciliationRequired indicates that a commit landed without its tracker
	// item being closed and nobody has acknowledged it yet.
	ErrReconciliationRequired = New("reconciliation required")
	// ErrNotCompleted indicates an operation that needs every step to be complete.
	ErrNotCompleted = New("session has not completed")
)

// Pipeline sentinel errors
var (
	// ErrMalformedResponse indicates a worker response that failed validation.
	ErrMalformedResponse = New("malformed worker response")
	// ErrWorkerFailed indicates a worker that reported a fail verdict or could not run.
	ErrWorkerFailed = New("worker failed")
	// ErrEarlyStop indicates the drift observer requested that implementation stop.
	ErrEarlyStop = New("early stop requested by drift observer")
	// ErrRetryCeiling indicates that a rework loop reached its ceiling.
	ErrRetryCeiling = New("retry ceiling reached")
	// ErrAborted indicates a human chose to abort.
	ErrAborted = New("aborted by decision")
)

// Escalation sentinel errors
var (
	// ErrInvalidMenu indicates a decision request whose options are not a valid menu.
	ErrInvalidMenu = New("invalid decision menu")
	// ErrInvalidOption indicates an answer that is not one of the offered options.
	ErrInvalidOption = New("option not in menu")
	// ErrNoDecision indicates that no decision could be collected.
	ErrNoDecision = New("no decision made")
)

// Plan and adapter sentinel errors
var (
	// ErrPlanInvalid indicates that a plan is invalid.
	ErrPlanInvalid = New("plan is invalid")
	// ErrStepNotFound indicates that a step could not be found in the plan.
	ErrStepNotFound = New("step not found")
	// ErrDependencyCycle indicates a circular dependency in steps.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrDependencyUnmet indicates a step whose dependencies have not completed.
	ErrDependencyUnmet = New("step dependencies not completed")
	// ErrTrackerClose indicates that closing a tracker item failed.
	ErrTrackerClose = New("tracker item close failed")
	// ErrNothingToCommit indicates that staging produced no changes.
	ErrNothingToCommit = New("nothing to commit")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CadenceError is the base interface for all cadence errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type CadenceError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Structural Errors
// -----------------------------------------------------------------------------

// StructuralError represents malformed persisted state. It is always fatal and
// never retryable: the session that produced it must be abandoned.
//
// Example:
//
//	err := errors.NewStructuralError("artifact written out of order", errors.ErrOutOfOrder).
//		WithStep("auth").WithPhase("verification")
//	fmt.Println(err) // "structural error [step=auth, phase=verification]: artifact written out of order: phase artifact out of order"
type StructuralError struct {
	baseError
	Step  string
	Phase string
	Path  string
}

// NewStructuralError creates a new StructuralError.
func NewStructuralError(message string, cause error) *StructuralError {
	return &StructuralError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithStep adds a step identifier to the error context.
func (e *StructuralError) WithStep(step string) *StructuralError {
	e.Step = step
	return e
}

// WithPhase adds a phase name to the error context.
func (e *StructuralError) WithPhase(phase string) *StructuralError {
	e.Phase = phase
	return e
}

// WithPath adds the offending file path to the error context.
func (e *StructuralError) WithPath(path string) *StructuralError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *StructuralError) Error() string {
	var parts []string
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("structural error", parts)
}

// Is checks if this error matches the target.
func (e *StructuralError) Is(target error) bool {
	if _, ok := target.(*StructuralError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Phase Errors
// -----------------------------------------------------------------------------

// PhaseError represents a failed worker invocation for one phase of one step.
// Retryable reflects whether the phase may be safely re-run.
type PhaseError struct {
	baseError
	Step    string
	Phase   string
	Attempt int
}

// NewPhaseError creates a new PhaseError.
func NewPhaseError(message string, cause error) *PhaseError {
	return &PhaseError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithStep adds a step identifier to the error context.
func (e *PhaseError) WithStep(step string) *PhaseError {
	e.Step = step
	return e
}

// WithPhase adds a phase name to the error context.
func (e *PhaseError) WithPhase(phase string) *PhaseError {
	e.Phase = phase
	return e
}

// WithAttempt records which attempt failed.
func (e *PhaseError) WithAttempt(n int) *PhaseError {
	e.Attempt = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PhaseError) WithRetryable(r bool) *PhaseError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PhaseError) Error() string {
	var parts []string
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("phase error", parts)
}

// Is checks if this error matches the target.
func (e *PhaseError) Is(target error) bool {
	if _, ok := target.(*PhaseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Adapter Errors
// -----------------------------------------------------------------------------

// AdapterError represents a failure in an external collaborator such as the
// issue tracker, the version-control system or the plan reader.
//
// Example:
//
//	err := errors.NewAdapterError("close issue", cause).
//		WithAdapter("github").WithOperation("close").WithRetryable(true)
type AdapterError struct {
	baseError
	Adapter   string
	Operation string
	Output    string
}

// NewAdapterError creates a new AdapterError.
func NewAdapterError(message string, cause error) *AdapterError {
	return &AdapterError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithAdapter names the adapter that failed.
func (e *AdapterError) WithAdapter(name string) *AdapterError {
	e.Adapter = name
	return e
}

// WithOperation names the adapter operation that failed.
func (e *AdapterError) WithOperation(op string) *AdapterError {
	e.Operation = op
	return e
}

// WithOutput attaches raw command output, truncated for display.
func (e *AdapterError) WithOutput(output string) *AdapterError {
	e.Output = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AdapterError) WithRetryable(r bool) *AdapterError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AdapterError) Error() string {
	var parts []string
	if e.Adapter != "" {
		parts = append(parts, fmt.Sprintf("adapter=%s", e.Adapter))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Operation))
	}
	msg := e.format("adapter error", parts)
	if e.Output != "" {
		output := e.Output
		if len(output) > 200 {
			output = output[:200] + "..."
		}
		msg = fmt.Sprintf("%s (output: %s)", msg, strings.TrimSpace(output))
	}
	return msg
}

// Is checks if this error matches the target.
func (e *AdapterError) Is(target error) bool {
	if _, ok := target.(*AdapterError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Session Errors
// -----------------------------------------------------------------------------

// SessionError represents errors related to session management.
//
// Example:
//
//	err := errors.NewSessionError("failed to load session", errors.ErrSessionNotFound)
//	err = err.WithSessionID("abc123")
//	fmt.Println(err) // "session error [session=abc123]: failed to load session: session not found"
type SessionError struct {
	baseError
	SessionID string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	return e.format("session error", parts)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Halt Errors
// -----------------------------------------------------------------------------

// HaltError reports why a session stopped making progress. Every halt names
// the step and phase it happened in so the operator can resume or intervene.
type HaltError struct {
	baseError
	Step   string
	Phase  string
	Reason string
}

// NewHaltError creates a new HaltError.
func NewHaltError(step, phase, reason string, cause error) *HaltError {
	return &HaltError{
		baseError: baseError{
			message:    reason,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		Step:   step,
		Phase:  phase,
		Reason: reason,
	}
}

// Error returns the formatted error message.
func (e *HaltError) Error() string {
	var parts []string
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	return e.format("halted", parts)
}

// Is checks if this error matches the target.
func (e *HaltError) Is(target error) bool {
	if _, ok := target.(*HaltError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing CadenceError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var cadenceErr CadenceError
	if As(err, &cadenceErr) {
		return cadenceErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var cadenceErr CadenceError
	if As(err, &cadenceErr) {
		return cadenceErr.IsUserFacing()
	}
	return false
}

// IsStructural reports whether err is, or wraps, a StructuralError.
func IsStructural(err error) bool {
	if err == nil {
		return false
	}
	var structural *StructuralError
	return As(err, &structural)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CadenceError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var cadenceErr CadenceError
	if As(err, &cadenceErr) {
		return cadenceErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
