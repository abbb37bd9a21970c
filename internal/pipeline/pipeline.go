package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/cadence/internal/artifact"
	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/drift"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/escalation"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/tracker"
	"github.com/Iron-Ham/cadence/internal/vcs"
	"github.com/Iron-Ham/cadence/internal/worker"
)

// Config holds the policy parameters for a Controller.
type Config struct {
	SessionID string
	// WorkDir is the work tree workers run in and the observer watches.
	WorkDir string

	VerificationCeiling     int
	QualityCeiling          int
	CommitPolicy            CommitPolicy
	RetryIdempotentFailures bool
}

// ConfigFrom builds a Config from the pipeline configuration section.
// policy overrides the configured commit policy when non-empty.
func ConfigFrom(sessionID, workDir string, policy CommitPolicy, cfg config.PipelineConfig) Config {
	if policy == "" {
		policy = CommitPolicy(cfg.CommitPolicy)
	}
	return Config{
		SessionID:               sessionID,
		WorkDir:                 workDir,
		VerificationCeiling:     cfg.VerificationCeiling,
		QualityCeiling:          cfg.QualityCeiling,
		CommitPolicy:            policy,
		RetryIdempotentFailures: cfg.RetryIdempotentFailures,
	}
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Store      *artifact.Store
	Workers    worker.Set
	Classifier *drift.Classifier // nil uses the default budget with no leeway
	Gateway    escalation.Gateway
	VCS        vcs.VCS
	Tracker    tracker.Tracker
}

// Controller runs the per-step state machine.
type Controller struct {
	cfg      Config
	deps     Deps
	gateway  escalation.Gateway
	logger   *logging.Logger
	bus      *event.Bus
	observer ObserverFactory
}

// New validates cfg and deps and returns a Controller.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: Store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("pipeline: Gateway is required")
	}
	if deps.VCS == nil {
		return nil, errors.New("pipeline: VCS is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("pipeline: Tracker is required")
	}
	if missing := deps.Workers.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: no worker for phases %v", missing)
	}
	if cfg.VerificationCeiling < 1 || cfg.QualityCeiling < 1 {
		return nil, fmt.Errorf("pipeline: retry ceilings must be at least 1 (verification=%d, quality=%d)",
			cfg.VerificationCeiling, cfg.QualityCeiling)
	}
	if !cfg.CommitPolicy.Valid() {
		return nil, fmt.Errorf("pipeline: unknown commit policy %q", cfg.CommitPolicy)
	}
	if deps.Classifier == nil {
		deps.Classifier = drift.NewClassifier(drift.DefaultBudget(), drift.Leeway{})
	}

	o := &controllerOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}

	return &Controller{
		cfg:      cfg,
		deps:     deps,
		gateway:  escalation.Validated(deps.Gateway),
		logger:   o.logger.WithSession(cfg.SessionID),
		bus:      o.bus,
		observer: o.observer,
	}, nil
}

// stateEarlyStopReview is the pseudo-phase in which a partial implementation
// waits for a drift gate decision.
const stateEarlyStopReview phase.Phase = "early_stop_review"

// RunStep drives sc.Step from wherever its artifacts left off to a committed
// result, a halt, or a reconciliation gap.
//
// Halts are returned as *errors.HaltError naming the step, phase and reason.
// The wrapped cause distinguishes an abort (errors.ErrAborted), a missing
// decision (errors.ErrNoDecision), a structural problem, cancellation and
// errors.ErrReconciliationRequired.
func (c *Controller) RunStep(ctx context.Context, sc StepContext) (StepResult, error) {
	if sc.Progress == nil {
		return StepResult{}, fmt.Errorf("%w: step progress is required", errors.ErrInvalidInput)
	}
	if err := artifact.ValidateStepID(sc.Step.ID); err != nil {
		return StepResult{}, err
	}

	r := &stepRun{
		c:      c,
		sc:     sc,
		step:   sc.Step.ID,
		logger: c.logger.WithStep(sc.Step.ID),
	}
	res, err := r.run(ctx)
	res.StepID = r.step
	if err != nil {
		var halt *errors.HaltError
		if errors.As(err, &halt) {
			res.Phase, res.Reason = halt.Phase, halt.Reason
		}
		if errors.Is(err, errors.ErrAborted) {
			res.Aborted = true
		}
		if res.Aborted {
			c.bus.Publish(event.NewStepAbortedEvent(c.cfg.SessionID, r.step, res.Phase, res.Reason, res.Committed))
		}
		r.logger.Warn("step halted", "phase", res.Phase, "reason", res.Reason,
			"aborted", res.Aborted, "committed", res.Committed)
	}
	return res, err
}

// stepRun is the state of one RunStep call.
type stepRun struct {
	c      *Controller
	sc     StepContext
	step   string
	logger *logging.Logger
}

func (r *stepRun) run(ctx context.Context) (StepResult, error) {
	state, err := r.entry()
	if err != nil {
		return StepResult{}, err
	}
	if state == phase.None {
		return r.committedResult()
	}
	r.logger.Info("step entered", "phase", state.String())

	for {
		if err := ctx.Err(); err != nil {
			return StepResult{}, r.halt(state, "interrupted", context.Cause(ctx))
		}
		switch state {
		case phase.Strategy, phase.Implementation, phase.Logging:
			state, err = r.runSimple(ctx, state)
		case phase.DriftGate:
			state, err = r.driftGate(ctx)
		case stateEarlyStopReview:
			state, err = r.earlyStopReview(ctx)
		case phase.Verification, phase.QualityReview:
			state, err = r.runLoop(ctx, state)
		case phase.Commit:
			var res StepResult
			res, state, err = r.commit(ctx)
			if err != nil || state == phase.None {
				return res, err
			}
		default:
			return StepResult{}, r.halt(state, "unknown pipeline state", errors.ErrUnknownPhase)
		}
		if err != nil {
			return StepResult{}, err
		}
	}
}

// entry resolves where the step resumes. phase.None means the step already
// has a commit artifact.
func (r *stepRun) entry() (phase.Phase, error) {
	latest, err := r.c.deps.Store.LatestPhase(r.step)
	if err != nil {
		return phase.None, r.halt(phase.None, "cannot determine resume point", err)
	}
	p := r.sc.Progress
	switch {
	case latest == phase.Commit:
		return phase.None, nil
	case latest == phase.Strategy && p.Partial && p.EarlyStop != nil:
		return stateEarlyStopReview, nil
	case latest == phase.Implementation && p.GateDecision == GatePending:
		return phase.DriftGate, nil
	case latest == phase.Implementation:
		return phase.Verification, nil
	default:
		return latest.Next(), nil
	}
}

// committedResult reports a step whose commit artifact already exists.
func (r *stepRun) committedResult() (StepResult, error) {
	a, _, err := r.c.deps.Store.Read(r.step, phase.Commit)
	if err != nil {
		return StepResult{}, r.halt(phase.Commit, "cannot read commit artifact", err)
	}
	var rec CommitRecord
	if err := a.Decode(&rec); err != nil {
		return StepResult{}, r.halt(phase.Commit, "cannot decode commit artifact",
			errors.NewStructuralError("commit artifact payload is invalid", errors.ErrArtifactCorrupted).
				WithStep(r.step).WithPhase(phase.Commit.String()))
	}
	if !rec.TrackerClosed {
		return StepResult{
				Aborted:   true,
				Committed: rec.Revision != "",
				Revision:  rec.Revision,
			}, r.halt(phase.Commit, "tracker item was not closed after commit",
				fmt.Errorf("%w: %s", errors.ErrReconciliationRequired, rec.CloseError))
	}
	return StepResult{Completed: true, Committed: rec.Revision != "", Revision: rec.Revision}, nil
}

func (r *stepRun) halt(p phase.Phase, reason string, cause error) error {
	return errors.NewHaltError(r.step, p.String(), reason, cause)
}

func (r *stepRun) abort(p phase.Phase, reason string) error {
	return r.halt(p, reason, errors.ErrAborted)
}

// save persists step progress.
func (r *stepRun) save(p phase.Phase) error {
	if r.sc.Checkpoint == nil {
		return nil
	}
	if err := r.sc.Checkpoint(); err != nil {
		return r.halt(p, "failed to persist step progress", err)
	}
	return nil
}

// decide raises an escalation and waits for the answer.
func (r *stepRun) decide(ctx context.Context, p phase.Phase, req escalation.Request) (escalation.Option, error) {
	req.SessionID = r.c.cfg.SessionID
	opts := make([]string, len(req.Options))
	for i, o := range req.Options {
		opts[i] = string(o)
	}
	r.c.bus.Publish(event.NewEscalationRaisedEvent(r.c.cfg.SessionID, r.step, req.Phase, string(req.Context), opts))
	r.logger.Info("escalation raised", "context", string(req.Context), "phase", req.Phase, "summary", req.Summary)

	choice, err := r.c.gateway.Decide(ctx, req)
	if err != nil {
		reason := fmt.Sprintf("awaiting %s decision", req.Context)
		if ctx.Err() != nil {
			return "", r.halt(p, reason, context.Cause(ctx))
		}
		return "", r.halt(p, reason, err)
	}

	r.c.bus.Publish(event.NewEscalationResolvedEvent(r.c.cfg.SessionID, r.step, string(req.Context), string(choice)))
	r.logger.Info("escalation resolved", "context", string(req.Context), "choice", string(choice))
	return choice, nil
}

// prior collects the payloads of every completed phase.
func (r *stepRun) prior() (map[phase.Phase]json.RawMessage, error) {
	arts, err := r.c.deps.Store.List(r.step)
	if err != nil {
		return nil, err
	}
	out := make(map[phase.Phase]json.RawMessage, len(arts))
	for _, a := range arts {
		out[a.Phase] = a.Payload
	}
	return out, nil
}

// complete writes the artifact for p and returns the state that follows it.
func (r *stepRun) complete(p phase.Phase, payload any, verdict worker.Verdict) (phase.Phase, error) {
	if _, err := r.c.deps.Store.Write(r.step, p, payload); err != nil {
		return phase.None, r.halt(p, "failed to write artifact", err)
	}

	progress := r.sc.Progress
	progress.Feedback = ""
	if p == phase.Implementation {
		progress.GateDecision = GatePending
		progress.Partial = false
		progress.EarlyStop = nil
	}
	if err := r.save(p); err != nil {
		return phase.None, err
	}

	r.c.bus.Publish(event.NewPhaseCompletedEvent(r.c.cfg.SessionID, r.step, p.String(), string(verdict)))
	r.logger.Info("phase completed", "phase", p.String(), "verdict", string(verdict))

	if p == phase.Implementation {
		return phase.DriftGate, nil
	}
	return p.Next(), nil
}

// restart retires every artifact and sends the step back to Strategy with
// feedback. Loop counters start over.
func (r *stepRun) restart(from phase.Phase, feedback string) (phase.Phase, error) {
	if _, err := r.c.deps.Store.Rewind(r.step, phase.Strategy); err != nil {
		return phase.None, r.halt(from, "failed to rewind step", err)
	}
	progress := r.sc.Progress
	progress.resetCounters()
	progress.GateDecision = GatePending
	progress.Partial = false
	progress.EarlyStop = nil
	progress.Feedback = feedback
	if err := r.save(from); err != nil {
		return phase.None, err
	}
	r.logger.Info("step restarted from strategy", "from", from.String())
	return phase.Strategy, nil
}

// rework retires implementation and everything after it and sends the step
// back to Implementation with feedback.
func (r *stepRun) rework(from phase.Phase, feedback string) (phase.Phase, error) {
	if _, err := r.c.deps.Store.Rewind(r.step, phase.Implementation); err != nil {
		return phase.None, r.halt(from, "failed to rewind step", err)
	}
	progress := r.sc.Progress
	progress.GateDecision = GatePending
	progress.Feedback = feedback
	if err := r.save(from); err != nil {
		return phase.None, err
	}
	r.logger.Info("rework requested", "from", from.String())
	return phase.Implementation, nil
}
