package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
)

// Payload is a phase-typed worker result.
type Payload interface {
	Validate() error
}

// StrategyPayload declares the plan of attack and the files it will touch.
type StrategyPayload struct {
	Approach      string   `json:"approach"`
	ExpectedFiles []string `json:"expected_files"`
	Notes         []string `json:"notes,omitempty"`
}

func (p *StrategyPayload) Validate() error {
	if len(p.ExpectedFiles) == 0 {
		return fmt.Errorf("strategy must name at least one expected file")
	}
	return noBlank("expected_files", p.ExpectedFiles)
}

// ImplementationPayload reports what the implementation changed.
type ImplementationPayload struct {
	Summary      string   `json:"summary"`
	TouchedFiles []string `json:"touched_files"`
}

func (p *ImplementationPayload) Validate() error {
	return noBlank("touched_files", p.TouchedFiles)
}

// CheckResult is one verification command outcome.
type CheckResult struct {
	Command string `json:"command"`
	Passed  bool   `json:"passed"`
	Output  string `json:"output,omitempty"`
}

// VerificationPayload carries the checks a verification worker ran.
type VerificationPayload struct {
	Checks  []CheckResult `json:"checks"`
	Summary string        `json:"summary,omitempty"`
}

func (p *VerificationPayload) Validate() error {
	for i, c := range p.Checks {
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("checks[%d]: command is empty", i)
		}
	}
	return nil
}

// Passed reports whether every check passed.
func (p *VerificationPayload) Passed() bool {
	for _, c := range p.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Finding is one quality review remark. Severity is the reviewer's own label
// and is informational: it reaches later workers through the stored payload,
// while the pipeline branches only on the response verdict.
type Finding struct {
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

// ReviewPayload carries quality review findings.
type ReviewPayload struct {
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings,omitempty"`
}

func (p *ReviewPayload) Validate() error {
	for i, f := range p.Findings {
		if f.Message == "" {
			return fmt.Errorf("findings[%d]: message is empty", i)
		}
	}
	return nil
}

// LoggingPayload is the step's log entry.
type LoggingPayload struct {
	Entry string `json:"entry"`
}

func (p *LoggingPayload) Validate() error {
	if strings.TrimSpace(p.Entry) == "" {
		return fmt.Errorf("log entry is empty")
	}
	return nil
}

// CommitPayload is what the commit worker proposes to record.
type CommitPayload struct {
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

func (p *CommitPayload) Validate() error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("commit message is empty")
	}
	return noBlank("files", p.Files)
}

func noBlank(field string, values []string) error {
	for i, v := range values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
	}
	return nil
}

// NewPayload returns an empty payload of the type phase p produces.
func NewPayload(p phase.Phase) (Payload, error) {
	switch p {
	case phase.Strategy:
		return &StrategyPayload{}, nil
	case phase.Implementation:
		return &ImplementationPayload{}, nil
	case phase.Verification:
		return &VerificationPayload{}, nil
	case phase.QualityReview:
		return &ReviewPayload{}, nil
	case phase.Logging:
		return &LoggingPayload{}, nil
	case phase.Commit:
		return &CommitPayload{}, nil
	default:
		return nil, errors.Wrapf(errors.ErrUnknownPhase, "phase %q", string(p))
	}
}

// DecodePayload decodes and validates the payload for phase p. Unknown
// fields are ignored. Failures wrap errors.ErrMalformedResponse.
func DecodePayload(p phase.Phase, raw json.RawMessage) (Payload, error) {
	payload, err := NewPayload(p)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: %s payload is missing", errors.ErrMalformedResponse, p)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", errors.ErrMalformedResponse, p, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", errors.ErrMalformedResponse, p, err)
	}
	return payload, nil
}
