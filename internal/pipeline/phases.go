package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/cadence/internal/drift"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/escalation"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/worker"
)

// earlyStop is returned by call when the observer stopped implementation.
type earlyStop struct {
	assessment drift.Assessment
	partial    json.RawMessage
}

func (e *earlyStop) Error() string {
	return "implementation stopped early: " + e.assessment.Summary()
}

func (e *earlyStop) Unwrap() error { return errors.ErrEarlyStop }

// invoke runs the worker for p until it produces a well-formed response.
// Failures are recorded as attempts; an idempotent phase is retried once
// automatically, after which the gateway decides between retry and abort.
func (r *stepRun) invoke(ctx context.Context, p phase.Phase) (worker.Response, worker.Payload, error) {
	w, err := r.c.deps.Workers.For(p)
	if err != nil {
		return worker.Response{}, nil, r.halt(p, "no worker configured", err)
	}
	prior, err := r.prior()
	if err != nil {
		return worker.Response{}, nil, r.halt(p, "cannot read prior artifacts", err)
	}

	autoRetry := r.c.cfg.RetryIdempotentFailures && p.Idempotent()
	for attempt := 1; ; attempt++ {
		req := worker.Request{
			SessionID: r.c.cfg.SessionID,
			StepID:    r.step,
			Phase:     p,
			Attempt:   attempt,
			Step:      r.sc.Step,
			Prior:     prior,
			Feedback:  r.sc.Progress.Feedback,
			WorkDir:   r.c.cfg.WorkDir,
		}
		resp, payload, err := r.call(ctx, w, req)
		if err == nil {
			return resp, payload, nil
		}
		var stopped *earlyStop
		if errors.As(err, &stopped) {
			return resp, nil, err
		}
		if ctx.Err() != nil {
			return resp, nil, r.halt(p, "interrupted", context.Cause(ctx))
		}

		var partial any
		if len(resp.Payload) > 0 {
			partial = resp.Payload
		}
		if _, recErr := r.c.deps.Store.RecordAttempt(r.step, p, err.Error(), false, partial); recErr != nil {
			r.logger.Warn("failed to record attempt", "phase", p.String(), "error", recErr)
		}

		retrying := autoRetry && attempt == 1
		r.c.bus.Publish(event.NewPhaseFailedEvent(r.c.cfg.SessionID, r.step, p.String(), err, retrying))
		r.logger.Warn("phase failed", "phase", p.String(), "attempt", attempt, "retrying", retrying, "error", err)
		if retrying {
			continue
		}

		req2 := escalation.NewRequest(escalation.ContextPhaseFailure, r.step, p.String(),
			fmt.Sprintf("%s failed after %d attempt(s)", p, attempt), err.Error())
		choice, derr := r.decide(ctx, p, req2)
		if derr != nil {
			return worker.Response{}, nil, derr
		}
		if choice != escalation.OptionRetry {
			return worker.Response{}, nil, r.abort(p, fmt.Sprintf("%s failed: %v", p, err))
		}
		autoRetry = false
	}
}

// call performs one invocation and validates the response.
func (r *stepRun) call(ctx context.Context, w worker.Worker, req worker.Request) (worker.Response, worker.Payload, error) {
	p := req.Phase
	r.c.bus.Publish(event.NewPhaseStartedEvent(r.c.cfg.SessionID, r.step, p.String(), req.Attempt))
	r.logger.Debug("invoking worker", "phase", p.String(), "attempt", req.Attempt)

	var resp worker.Response
	var err error
	if p == phase.Implementation && r.c.observer != nil {
		resp, err = r.observe(ctx, w, req)
	} else {
		resp, err = w.Invoke(ctx, req)
	}
	if err != nil {
		var stopped *earlyStop
		if errors.As(err, &stopped) || errors.IsStructural(err) {
			return resp, nil, err
		}
		var pe *errors.PhaseError
		if errors.As(err, &pe) {
			return resp, nil, err
		}
		return resp, nil, errors.NewPhaseError("worker invocation failed", err).
			WithStep(r.step).WithPhase(p.String()).WithAttempt(req.Attempt).WithRetryable(p.Idempotent())
	}

	if err := resp.Validate(); err != nil {
		return resp, nil, r.malformed(req, err)
	}
	if resp.Verdict == worker.VerdictFail {
		return resp, nil, errors.NewPhaseError(resp.Error, errors.ErrWorkerFailed).
			WithStep(r.step).WithPhase(p.String()).WithAttempt(req.Attempt).WithRetryable(p.Idempotent())
	}

	// Approve always needs a payload. Revise is "done" outside the rework
	// loops, so it needs one there too. Otherwise a payload is optional but
	// must be well-formed when present.
	required := resp.Verdict == worker.VerdictApprove || (resp.Verdict == worker.VerdictRevise && !p.Loop())
	if !required && len(resp.Payload) == 0 {
		return resp, nil, nil
	}
	payload, err := worker.DecodePayload(p, resp.Payload)
	if err != nil {
		return resp, nil, r.malformed(req, err)
	}
	return resp, payload, nil
}

func (r *stepRun) malformed(req worker.Request, err error) error {
	return errors.NewPhaseError("malformed worker response", err).
		WithStep(r.step).WithPhase(req.Phase.String()).WithAttempt(req.Attempt).WithRetryable(req.Phase.Idempotent())
}

// observe runs the implementation worker with the observer alongside it.
// The observer's stop callback cancels the worker with errors.ErrEarlyStop.
func (r *stepRun) observe(ctx context.Context, w worker.Worker, req worker.Request) (worker.Response, error) {
	var strategy worker.StrategyPayload
	if raw, ok := req.Prior[phase.Strategy]; ok {
		if err := json.Unmarshal(raw, &strategy); err != nil {
			r.logger.Warn("cannot decode strategy for observer", "error", err)
		}
	}
	obs, err := r.c.observer(r.c.cfg.WorkDir, strategy.ExpectedFiles)
	if err != nil {
		r.logger.Warn("observer unavailable, running implementation unobserved", "error", err)
		return w.Invoke(ctx, req)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		mu      sync.Mutex
		stopped *drift.Assessment
	)
	var wg conc.WaitGroup
	wg.Go(func() {
		err := obs.Run(runCtx, func(a drift.Assessment) {
			mu.Lock()
			stopped = &a
			mu.Unlock()
			r.logger.Warn("observer requested early stop", "severity", string(a.Severity))
			cancel(errors.ErrEarlyStop)
		})
		if err != nil && runCtx.Err() == nil {
			r.logger.Warn("observer exited", "error", err)
		}
	})

	resp, err := w.Invoke(runCtx, req)
	cancel(nil)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if stopped != nil && ctx.Err() == nil {
		return resp, &earlyStop{assessment: *stopped, partial: resp.Payload}
	}
	return resp, err
}

// runSimple handles Strategy, Implementation and Logging, where revise is
// treated as done.
func (r *stepRun) runSimple(ctx context.Context, p phase.Phase) (phase.Phase, error) {
	resp, payload, err := r.invoke(ctx, p)
	if err != nil {
		var stopped *earlyStop
		if errors.As(err, &stopped) {
			return r.recordEarlyStop(ctx, stopped)
		}
		return phase.None, err
	}
	if resp.Verdict == worker.VerdictEscalate {
		return r.workerEscalation(ctx, p, resp.Reason, payload)
	}
	return r.complete(p, payload, resp.Verdict)
}

// runLoop handles Verification and QualityReview.
func (r *stepRun) runLoop(ctx context.Context, p phase.Phase) (phase.Phase, error) {
	resp, payload, err := r.invoke(ctx, p)
	if err != nil {
		return phase.None, err
	}

	switch resp.Verdict {
	case worker.VerdictEscalate:
		return r.workerEscalation(ctx, p, resp.Reason, payload)
	case worker.VerdictRevise:
		// handled below
	default:
		return r.complete(p, payload, resp.Verdict)
	}

	progress := r.sc.Progress
	counter, ceiling, escCtx := &progress.VerificationRetries, r.c.cfg.VerificationCeiling, escalation.ContextVerificationCeiling
	if p == phase.QualityReview {
		counter, ceiling, escCtx = &progress.QualityRetries, r.c.cfg.QualityCeiling, escalation.ContextQualityCeiling
	}
	*counter++
	if err := r.save(p); err != nil {
		return phase.None, err
	}
	r.logger.Info("rework verdict", "phase", p.String(), "count", *counter, "ceiling", ceiling)

	var partial any
	if len(resp.Payload) > 0 {
		partial = resp.Payload
	}
	if _, err := r.c.deps.Store.RecordAttempt(r.step, p, "rework requested: "+resp.Feedback, false, partial); err != nil {
		r.logger.Warn("failed to record attempt", "phase", p.String(), "error", err)
	}

	if *counter < ceiling {
		return r.rework(p, resp.Feedback)
	}

	req := escalation.NewRequest(escCtx, r.step, p.String(),
		fmt.Sprintf("%s requested rework %d time(s), reaching its ceiling of %d", p, *counter, ceiling),
		resp.Feedback)
	choice, err := r.decide(ctx, p, req)
	if err != nil {
		return phase.None, err
	}
	switch choice {
	case escalation.OptionContinue:
		if payload == nil {
			payload = acceptedPayload(p, "accepted at retry ceiling: "+resp.Feedback)
		}
		return r.complete(p, payload, resp.Verdict)
	case escalation.OptionRevise:
		return r.restart(p, resp.Feedback)
	default:
		return phase.None, r.abort(p, fmt.Sprintf("%s retry ceiling reached", p))
	}
}

// workerEscalation asks what to do when a worker escalated on its own.
func (r *stepRun) workerEscalation(ctx context.Context, p phase.Phase, reason string, payload worker.Payload) (phase.Phase, error) {
	req := escalation.NewRequest(escalation.ContextWorkerEscalation, r.step, p.String(),
		fmt.Sprintf("%s worker escalated: %s", p, reason))
	choice, err := r.decide(ctx, p, req)
	if err != nil {
		return phase.None, err
	}
	switch choice {
	case escalation.OptionContinue:
		if payload == nil && p.Loop() {
			payload = acceptedPayload(p, "accepted after escalation: "+reason)
		}
		if payload == nil {
			// Nothing usable to record; run the phase again with the reason.
			r.sc.Progress.Feedback = "continue after escalation: " + reason
			if err := r.save(p); err != nil {
				return phase.None, err
			}
			return p, nil
		}
		return r.complete(p, payload, worker.VerdictEscalate)
	case escalation.OptionRevise:
		return r.restart(p, reason)
	default:
		return phase.None, r.abort(p, fmt.Sprintf("%s worker escalated: %s", p, reason))
	}
}

// acceptedPayload records a human acceptance for a loop phase that produced
// no payload of its own.
func acceptedPayload(p phase.Phase, summary string) worker.Payload {
	if p == phase.QualityReview {
		return &worker.ReviewPayload{Summary: summary}
	}
	return &worker.VerificationPayload{Summary: summary}
}

// assess classifies the stored implementation against the stored strategy.
func (r *stepRun) assess() (drift.Assessment, error) {
	store := r.c.deps.Store
	var strategy worker.StrategyPayload
	var impl worker.ImplementationPayload
	for _, item := range []struct {
		p phase.Phase
		v any
	}{{phase.Strategy, &strategy}, {phase.Implementation, &impl}} {
		a, ok, err := store.Read(r.step, item.p)
		if err != nil {
			return drift.Assessment{}, err
		}
		if !ok {
			return drift.Assessment{}, errors.NewStructuralError(
				fmt.Sprintf("%s artifact missing at drift gate", item.p), errors.ErrArtifactNotFound,
			).WithStep(r.step).WithPhase(item.p.String())
		}
		if err := a.Decode(item.v); err != nil {
			return drift.Assessment{}, errors.NewStructuralError(
				fmt.Sprintf("%s artifact payload is invalid", item.p), errors.ErrArtifactCorrupted,
			).WithStep(r.step).WithPhase(item.p.String())
		}
	}
	return r.c.deps.Classifier.Classify(strategy.ExpectedFiles, impl.TouchedFiles), nil
}

// driftGate evaluates the stored implementation. Blocking drift needs a
// decision; anything else passes straight to verification.
func (r *stepRun) driftGate(ctx context.Context) (phase.Phase, error) {
	a, err := r.assess()
	if err != nil {
		return phase.None, r.halt(phase.DriftGate, "cannot assess drift", err)
	}
	r.c.bus.Publish(event.NewDriftAssessedEvent(r.c.cfg.SessionID, r.step, string(a.Severity),
		a.YellowUsed, a.RedUsed, len(a.Unexpected), false))
	r.logger.Info("drift assessed", "severity", string(a.Severity),
		"yellow_used", a.YellowUsed, "red_used", a.RedUsed, "unexpected", len(a.Unexpected))

	progress := r.sc.Progress
	if !a.Blocking() {
		progress.GateDecision = GatePassed
		if err := r.save(phase.DriftGate); err != nil {
			return phase.None, err
		}
		return phase.Verification, nil
	}

	req := escalation.NewRequest(escalation.ContextDriftGate, r.step, phase.DriftGate.String(),
		a.Summary(), driftDetails(a)...)
	choice, err := r.decide(ctx, phase.DriftGate, req)
	if err != nil {
		return phase.None, err
	}
	switch choice {
	case escalation.OptionContinue:
		progress.GateDecision = GateContinued
		if err := r.save(phase.DriftGate); err != nil {
			return phase.None, err
		}
		return phase.Verification, nil
	case escalation.OptionRevise:
		return r.restart(phase.DriftGate, "revise for drift: "+a.Summary()+"\n"+strings.Join(driftDetails(a), "\n"))
	default:
		return phase.None, r.abort(phase.DriftGate, a.Summary())
	}
}

// recordEarlyStop keeps the partial implementation as an attempt and moves
// the step to early-stop review.
func (r *stepRun) recordEarlyStop(ctx context.Context, stopped *earlyStop) (phase.Phase, error) {
	a := stopped.assessment
	var partial any = a
	if len(stopped.partial) > 0 {
		partial = stopped.partial
	}
	if _, err := r.c.deps.Store.RecordAttempt(r.step, phase.Implementation, stopped.Error(), true, partial); err != nil {
		r.logger.Warn("failed to record partial attempt", "error", err)
	}

	progress := r.sc.Progress
	progress.Partial = true
	progress.EarlyStop = &a
	if err := r.save(phase.Implementation); err != nil {
		return phase.None, err
	}

	r.c.bus.Publish(event.NewDriftAssessedEvent(r.c.cfg.SessionID, r.step, string(a.Severity),
		a.YellowUsed, a.RedUsed, len(a.Unexpected), true))
	r.c.bus.Publish(event.NewPhaseFailedEvent(r.c.cfg.SessionID, r.step, phase.Implementation.String(), stopped, false))
	return r.earlyStopReview(ctx)
}

// earlyStopReview routes a partial implementation through the drift gate
// menu. Continue runs implementation again.
func (r *stepRun) earlyStopReview(ctx context.Context) (phase.Phase, error) {
	progress := r.sc.Progress
	if progress.EarlyStop == nil {
		return phase.Implementation, nil
	}
	a := *progress.EarlyStop

	req := escalation.NewRequest(escalation.ContextDriftGate, r.step, phase.Implementation.String(),
		"implementation stopped early: "+a.Summary(), driftDetails(a)...)
	choice, err := r.decide(ctx, phase.Implementation, req)
	if err != nil {
		return phase.None, err
	}
	switch choice {
	case escalation.OptionContinue:
		progress.Partial = false
		progress.EarlyStop = nil
		progress.Feedback = "previous implementation attempt was stopped early: " + a.Summary()
		if err := r.save(phase.Implementation); err != nil {
			return phase.None, err
		}
		return phase.Implementation, nil
	case escalation.OptionRevise:
		return r.restart(phase.Implementation, "revise after early stop: "+a.Summary()+"\n"+strings.Join(driftDetails(a), "\n"))
	default:
		return phase.None, r.abort(phase.Implementation, "implementation stopped early: "+a.Summary())
	}
}

func driftDetails(a drift.Assessment) []string {
	out := make([]string, 0, len(a.Unexpected))
	for _, e := range a.Unexpected {
		line := fmt.Sprintf("%s %s (cost %d)", e.Zone, e.Path, e.Cost)
		if e.Category != drift.CategoryNone {
			line += " [" + string(e.Category) + "]"
		}
		out = append(out, line)
	}
	return out
}
