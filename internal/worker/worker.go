// Package worker defines the contract between the pipeline and the external
// workers that carry out each phase.
//
// A worker is a function from Request to Response. The pipeline only ever
// branches on the response verdict; everything else the worker returns is an
// opaque, phase-typed payload that is validated and then persisted.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/plan"
)

// Verdict is the worker's decision about its own output.
type Verdict string

const (
	// VerdictApprove means the phase is done and Payload holds its result.
	VerdictApprove Verdict = "approve"
	// VerdictRevise asks for rework; Feedback says what to change.
	VerdictRevise Verdict = "revise"
	// VerdictEscalate asks a human to decide; Reason explains why.
	VerdictEscalate Verdict = "escalate"
	// VerdictFail reports that the worker could not do the phase at all.
	VerdictFail Verdict = "fail"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictRevise, VerdictEscalate, VerdictFail:
		return true
	}
	return false
}

// Request is everything a worker receives for one invocation.
type Request struct {
	SessionID string      `json:"session_id"`
	StepID    string      `json:"step_id"`
	Phase     phase.Phase `json:"phase"`
	Attempt   int         `json:"attempt"`
	Step      plan.Step   `json:"step"`
	// Prior holds the payloads of every completed earlier phase.
	Prior map[phase.Phase]json.RawMessage `json:"prior,omitempty"`
	// Feedback carries rework notes from a verification or review verdict.
	Feedback string `json:"feedback,omitempty"`
	WorkDir  string `json:"work_dir,omitempty"`
}

// Response is a worker's answer.
type Response struct {
	Verdict  Verdict         `json:"verdict"`
	Feedback string          `json:"feedback,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the verdict-specific fields are present.
func (r Response) Validate() error {
	if !r.Verdict.Valid() {
		return fmt.Errorf("%w: unknown verdict %q", errors.ErrMalformedResponse, r.Verdict)
	}
	switch r.Verdict {
	case VerdictRevise:
		if r.Feedback == "" {
			return fmt.Errorf("%w: revise verdict without feedback", errors.ErrMalformedResponse)
		}
	case VerdictEscalate:
		if r.Reason == "" {
			return fmt.Errorf("%w: escalate verdict without reason", errors.ErrMalformedResponse)
		}
	case VerdictFail:
		if r.Error == "" {
			return fmt.Errorf("%w: fail verdict without error", errors.ErrMalformedResponse)
		}
	}
	return nil
}

// Worker performs one phase.
type Worker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Worker interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Set maps each phase to its worker.
type Set map[phase.Phase]Worker

// For returns the worker for p.
func (s Set) For(p phase.Phase) (Worker, error) {
	w, ok := s[p]
	if !ok || w == nil {
		return nil, fmt.Errorf("%w: no worker configured for phase %s", errors.ErrInvalidInput, p)
	}
	return w, nil
}

// Missing lists phases without a worker.
func (s Set) Missing() []phase.Phase {
	var missing []phase.Phase
	for _, p := range phase.All() {
		if w, ok := s[p]; !ok || w == nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// Approve builds an approve response carrying payload.
func Approve(payload any) (Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	return Response{Verdict: VerdictApprove, Payload: data}, nil
}

// Revise builds a rework response.
func Revise(feedback string, payload any) (Response, error) {
	r, err := Approve(payload)
	if err != nil {
		return Response{}, err
	}
	r.Verdict = VerdictRevise
	r.Feedback = feedback
	return r, nil
}
