// Package session owns the session record: which steps are done, which remain,
// where the run stopped and why. The Manager drives steps through the pipeline
// one at a time and persists the record after every mutation, so a crash loses
// at most the phase that was in flight.
package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/pipeline"
)

// FormatVersion is written into every session record. Records with a newer
// version are rejected rather than guessed at.
const FormatVersion = 1

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a session in this status can no longer run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reconciliation records a commit whose tracker item could not be closed.
type Reconciliation struct {
	Flag           bool       `json:"flag"`
	Step           string     `json:"step"`
	Item           string     `json:"item,omitempty"`
	Revision       string     `json:"revision,omitempty"`
	Reason         string     `json:"reason"`
	Acknowledged   bool       `json:"acknowledged"`
	At             time.Time  `json:"at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Halt describes where and why the last run stopped.
type Halt struct {
	Step   string    `json:"step,omitempty"`
	Phase  string    `json:"phase,omitempty"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Session is the persisted record of one orchestration run.
type Session struct {
	Version      int                               `json:"version"`
	ID           string                            `json:"id"`
	PlanRef      string                            `json:"plan_ref"`
	CommitPolicy pipeline.CommitPolicy             `json:"commit_policy"`
	Status       Status                            `json:"status"`
	CurrentStep  string                            `json:"current_step,omitempty"`
	Completed    []string                          `json:"completed"`
	Remaining    []string                          `json:"remaining"`
	TrackerItems map[string]string                 `json:"tracker_items"`
	StepProgress map[string]*pipeline.StepProgress `json:"step_progress"`

	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
	Halt           *Halt           `json:"halt,omitempty"`

	PublishBranch string `json:"publish_branch,omitempty"`
	PublishURL    string `json:"publish_url,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// NeedsReconciliation reports whether a committed step is waiting for a
// human to acknowledge that its tracker item was not closed.
func (s *Session) NeedsReconciliation() bool {
	return s.Reconciliation != nil && s.Reconciliation.Flag && !s.Reconciliation.Acknowledged
}

// Progress returns the pipeline progress for step, creating it on first use.
func (s *Session) Progress(step string) *pipeline.StepProgress {
	if s.StepProgress == nil {
		s.StepProgress = make(map[string]*pipeline.StepProgress)
	}
	p, ok := s.StepProgress[step]
	if !ok {
		p = &pipeline.StepProgress{}
		s.StepProgress[step] = p
	}
	return p
}

// complete moves step from remaining to completed.
func (s *Session) complete(step string) {
	s.Remaining = slices.DeleteFunc(s.Remaining, func(id string) bool { return id == step })
	if !slices.Contains(s.Completed, step) {
		s.Completed = append(s.Completed, step)
	}
	if s.CurrentStep == step {
		s.CurrentStep = ""
	}
}

// Validate checks the record is internally consistent. A failure means the
// file on disk cannot be trusted and the session must be started fresh.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is empty")
	}
	if s.Version < 1 || s.Version > FormatVersion {
		return fmt.Errorf("unsupported session format version %d", s.Version)
	}
	switch s.Status {
	case StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if !s.CommitPolicy.Valid() {
		return fmt.Errorf("unknown commit policy %q", s.CommitPolicy)
	}
	seen := make(map[string]bool, len(s.Completed)+len(s.Remaining))
	for _, id := range append(slices.Clone(s.Completed), s.Remaining...) {
		if seen[id] {
			return fmt.Errorf("step %q listed twice", id)
		}
		seen[id] = true
	}
	if s.Status == StatusCompleted && len(s.Remaining) > 0 {
		return fmt.Errorf("completed session still has %d remaining step(s)", len(s.Remaining))
	}
	return nil
}

func corrupted(path, msg string, err error) error {
	cause := errors.ErrSessionCorrupted
	if err != nil {
		cause = fmt.Errorf("%w: %w", errors.ErrSessionCorrupted, err)
	}
	return errors.NewStructuralError(msg, cause).WithPath(path)
}
