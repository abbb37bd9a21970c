package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/cadence/internal/artifact"
	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/drift"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/escalation"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/pipeline"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/tracker"
	"github.com/Iron-Ham/cadence/internal/vcs"
	"github.com/Iron-Ham/cadence/internal/worker"
)

// Deps are the external collaborators a Manager hands to the pipeline.
type Deps struct {
	Tracker tracker.Tracker // nil uses tracker.None
	VCS     vcs.VCS
	Workers worker.Set
	Gateway escalation.Gateway
}

// Manager creates, runs and resumes sessions.
type Manager struct {
	cfg        *config.Config
	root       string
	store      *Store
	deps       Deps
	classifier *drift.Classifier
	logger     *logging.Logger
	bus        *event.Bus
	observer   pipeline.ObserverFactory
	clock      func() time.Time

	sessionLogs bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used outside of a session's own debug log.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBus publishes session and pipeline events on b.
func WithBus(b *event.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithObserverFactory replaces the fsnotify observer. A nil factory runs
// implementation unobserved.
func WithObserverFactory(f pipeline.ObserverFactory) Option {
	return func(m *Manager) { m.observer = f }
}

// WithClock overrides time.Now for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
		m.store.clock = clock
	}
}

// WithSessionLogs controls whether Run writes debug.log into the session directory.
func WithSessionLogs(on bool) Option {
	return func(m *Manager) { m.sessionLogs = on }
}

// NewManager returns a Manager for the repository at root.
func NewManager(cfg *config.Config, root string, deps Deps, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.None{}
	}
	classifier, err := NewClassifier(cfg.Drift)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		root:        root,
		store:       NewStore(cfg.Paths.ResolveStateDir(root)),
		deps:        deps,
		classifier:  classifier,
		clock:       time.Now,
		sessionLogs: true,
	}
	if cfg.Observer.Enabled {
		m.observer = pipeline.FSObserverFactory(classifier,
			time.Duration(cfg.Observer.DebounceMs)*time.Millisecond, cfg.Observer.Ignore, nil)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	if m.bus == nil {
		m.bus = event.NewBus(m.logger)
	}
	return m, nil
}

// NewClassifier builds the drift classifier described by cfg.
func NewClassifier(cfg config.DriftConfig) (*drift.Classifier, error) {
	leeway, err := drift.NewLeeway(cfg.Leeway, cfg.TestPatterns, cfg.ConfigPatterns, cfg.DocPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid drift leeway patterns: %w", err)
	}
	return drift.NewClassifier(drift.Budget{YellowMax: cfg.YellowBudget, RedMax: cfg.RedBudget}, leeway), nil
}

// Store returns the session store.
func (m *Manager) Store() *Store {
	return m.store
}

// Create reads the plan, resolves step order, mirrors the steps into the
// tracker and persists a new session. policy overrides the configured commit
// policy when non-empty.
func (m *Manager) Create(ctx context.Context, planRef string, policy pipeline.CommitPolicy) (*Session, error) {
	if policy == "" {
		policy = pipeline.CommitPolicy(m.cfg.Pipeline.CommitPolicy)
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: unknown commit policy %q", errors.ErrInvalidInput, policy)
	}
	if abs, err := filepath.Abs(planRef); err == nil {
		planRef = abs
	}

	p, err := plan.Load(planRef)
	if err != nil {
		return nil, err
	}
	order, err := p.Order()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := m.logger.WithSession(id)

	items, err := m.deps.Tracker.SyncAndMap(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to sync plan with tracker: %w", err)
	}

	sess := &Session{
		Version:      FormatVersion,
		ID:           id,
		PlanRef:      planRef,
		CommitPolicy: policy,
		Status:       StatusInProgress,
		Completed:    []string{},
		Remaining:    order,
		TrackerItems: items,
		StepProgress: make(map[string]*pipeline.StepProgress, len(order)),
	}
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	logger.Info("session created", "plan", planRef, "steps", len(order), "policy", string(policy))
	return sess, nil
}

// Load reads a session record.
func (m *Manager) Load(id string) (*Session, error) {
	return m.store.Load(id)
}

// List returns every session, most recently updated first.
func (m *Manager) List() ([]*Info, error) {
	return m.store.List()
}

// Run drives the remaining steps in order until the session completes or
// halts. sess is updated in place and persisted after every mutation.
//
// A halt is returned as the pipeline's error. Aborts and structural errors
// mark the session failed; a missing decision or an interrupt leaves it in
// progress so it can be resumed; a reconciliation gap sets the flag and
// blocks the next run until it is acknowledged.
func (m *Manager) Run(ctx context.Context, sess *Session) error {
	if sess.Status.Terminal() {
		return errors.NewSessionError(fmt.Sprintf("session is %s", sess.Status), errors.ErrSessionTerminal).
			WithSessionID(sess.ID)
	}
	dir := m.store.Dir(sess.ID)

	lock, err := AcquireLock(dir, sess.ID, m.logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	logger := m.logger.WithSession(sess.ID)
	if m.sessionLogs {
		sessionLogger, err := logging.NewLoggerWithRotation(dir, m.cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  m.cfg.Logging.MaxSizeMB,
			MaxBackups: m.cfg.Logging.MaxBackups,
			Compress:   m.cfg.Logging.Compress,
		})
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		defer func() { _ = sessionLogger.Close() }()
		logger = sessionLogger.WithSession(sess.ID)
		sub := event.Journal(m.bus, logger)
		defer m.bus.Unsubscribe(sub)
	}

	if sess.NeedsReconciliation() {
		if err := m.reconcile(ctx, sess, logger); err != nil {
			return err
		}
	}

	p, err := plan.Load(sess.PlanRef)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithBus(m.bus)}
	if m.observer != nil {
		opts = append(opts, pipeline.WithObserver(m.observer))
	}
	ctrl, err := pipeline.New(
		pipeline.ConfigFrom(sess.ID, m.root, sess.CommitPolicy, m.cfg.Pipeline),
		pipeline.Deps{
			Store:      artifact.NewStore(dir, artifact.WithLogger(logger)),
			Workers:    m.deps.Workers,
			Classifier: m.classifier,
			Gateway:    m.deps.Gateway,
			VCS:        m.deps.VCS,
			Tracker:    m.deps.Tracker,
		},
		opts...,
	)
	if err != nil {
		return err
	}

	sess.Halt = nil
	if err := m.store.Save(sess); err != nil {
		return err
	}
	logger.Info("session run started", "completed", len(sess.Completed), "remaining", len(sess.Remaining))

	for len(sess.Remaining) > 0 {
		stepID := sess.Remaining[0]
		if err := ctx.Err(); err != nil {
			return m.halted(sess, stepID, pipeline.StepResult{},
				errors.NewHaltError(stepID, "", "interrupted", context.Cause(ctx)), logger)
		}

		step, err := p.GetStep(stepID)
		if err != nil {
			return m.halted(sess, stepID, pipeline.StepResult{},
				errors.NewHaltError(stepID, "", "step is no longer in the plan",
					errors.NewStructuralError("plan changed under a running session", err).WithStep(stepID)), logger)
		}
		unmet, err := p.Unmet(stepID, sess.Completed)
		if err != nil {
			return m.halted(sess, stepID, pipeline.StepResult{}, err, logger)
		}
		if len(unmet) > 0 {
			return m.halted(sess, stepID, pipeline.StepResult{},
				errors.NewHaltError(stepID, "", fmt.Sprintf("waiting on %v", unmet),
					fmt.Errorf("%w: %v", errors.ErrDependencyUnmet, unmet)), logger)
		}

		sess.CurrentStep = stepID
		if err := m.store.Save(sess); err != nil {
			return err
		}

		res, err := ctrl.RunStep(ctx, pipeline.StepContext{
			Step:       step,
			ItemID:     sess.TrackerItems[stepID],
			Progress:   sess.Progress(stepID),
			Checkpoint: func() error { return m.store.Save(sess) },
		})
		if err != nil {
			return m.halted(sess, stepID, res, err, logger)
		}

		sess.complete(stepID)
		if err := m.store.Save(sess); err != nil {
			return err
		}
		logger.Info("step completed", "step_id", stepID, "revision", res.Revision,
			"completed", len(sess.Completed), "remaining", len(sess.Remaining))
	}

	sess.Status = StatusCompleted
	sess.CurrentStep = ""
	if err := m.store.Save(sess); err != nil {
		return err
	}
	m.bus.Publish(event.NewSessionCompletedEvent(sess.ID, len(sess.Completed)))
	logger.Info("session completed", "steps", len(sess.Completed))
	return nil
}

// halted records why the run stopped and returns err unchanged.
func (m *Manager) halted(sess *Session, stepID string, res pipeline.StepResult, err error, logger *logging.Logger) error {
	now := m.clock().UTC()
	h := &Halt{Step: stepID, Reason: err.Error(), At: now}
	var halt *errors.HaltError
	if errors.As(err, &halt) {
		h.Phase, h.Reason = halt.Phase, halt.Reason
	}

	switch {
	case errors.Is(err, errors.ErrReconciliationRequired):
		sess.Reconciliation = &Reconciliation{
			Flag:     true,
			Step:     stepID,
			Item:     sess.TrackerItems[stepID],
			Revision: res.Revision,
			Reason:   err.Error(),
			At:       now,
		}
	case errors.Is(err, errors.ErrNoDecision),
		errors.Is(err, errors.ErrInvalidOption),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// Resumable as is.
	default:
		sess.Status = StatusFailed
	}
	sess.Halt = h

	m.bus.Publish(event.NewSessionHaltedEvent(sess.ID, stepID, h.Phase, h.Reason))
	logger.Warn("session halted", "step_id", stepID, "phase", h.Phase, "reason", h.Reason,
		"status", string(sess.Status), "error", err)

	if saveErr := m.store.Save(sess); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}

// reconcile asks whether an unclosed tracker item has been dealt with.
// Anything but acknowledge refuses to advance.
func (m *Manager) reconcile(ctx context.Context, sess *Session, logger *logging.Logger) error {
	rec := sess.Reconciliation
	refuse := func(cause error) error {
		return errors.NewHaltError(rec.Step, phase.Commit.String(),
			fmt.Sprintf("step %s was committed but tracker item %s is still open", rec.Step, rec.Item), cause)
	}
	if m.deps.Gateway == nil {
		return refuse(errors.ErrReconciliationRequired)
	}

	req := escalation.NewRequest(escalation.ContextReconciliation, rec.Step, phase.Commit.String(),
		fmt.Sprintf("step %s committed %s but tracker item %s was not closed", rec.Step, shortRevision(rec.Revision), rec.Item),
		rec.Reason)
	req.SessionID = sess.ID
	choice, err := escalation.Validated(m.deps.Gateway).Decide(ctx, req)
	switch {
	case err != nil && !errors.Is(err, errors.ErrNoDecision):
		return err
	case err != nil:
		return refuse(errors.ErrReconciliationRequired)
	case choice == escalation.OptionAcknowledge:
		logger.Info("reconciliation acknowledged", "step_id", rec.Step, "item", rec.Item)
		return m.acknowledge(sess)
	default:
		sess.Status = StatusFailed
		sess.Halt = &Halt{Step: rec.Step, Phase: phase.Commit.String(), Reason: "reconciliation aborted", At: m.clock().UTC()}
		if err := m.store.Save(sess); err != nil {
			return err
		}
		return refuse(fmt.Errorf("%w: %w", errors.ErrReconciliationRequired, errors.ErrAborted))
	}
}

// Acknowledge records that the reconciliation for step was handled by hand.
// The committed step then counts as completed. An empty step acknowledges
// whichever step is flagged.
func (m *Manager) Acknowledge(sess *Session, step string) error {
	if !sess.NeedsReconciliation() {
		return fmt.Errorf("%w: session %s has no pending reconciliation", errors.ErrInvalidInput, sess.ID)
	}
	if step != "" && step != sess.Reconciliation.Step {
		return fmt.Errorf("%w: reconciliation is pending for step %s, not %s",
			errors.ErrInvalidInput, sess.Reconciliation.Step, step)
	}

	lock, err := AcquireLock(m.store.Dir(sess.ID), sess.ID, m.logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()
	return m.acknowledge(sess)
}

func (m *Manager) acknowledge(sess *Session) error {
	now := m.clock().UTC()
	rec := sess.Reconciliation
	rec.Acknowledged = true
	rec.AcknowledgedAt = &now
	sess.complete(rec.Step)
	sess.Halt = nil
	return m.store.Save(sess)
}

// Publish pushes the session's work to a branch on the configured remote and
// records the resulting URL. Only completed sessions can be published. An
// empty branch uses the configured prefix plus the session id.
func (m *Manager) Publish(ctx context.Context, sess *Session, branch string) (string, error) {
	if sess.Status != StatusCompleted {
		return "", errors.NewSessionError(
			fmt.Sprintf("only completed sessions can be published (status %s)", sess.Status),
			errors.ErrInvalidInput,
		).WithSessionID(sess.ID)
	}
	if m.deps.VCS == nil {
		return "", fmt.Errorf("%w: no version control backend configured", errors.ErrInvalidInput)
	}
	if branch == "" {
		branch = vcs.BranchName(m.cfg.VCS.BranchPrefix, sess.ID)
	}

	url, err := m.deps.VCS.Publish(ctx, branch)
	if err != nil {
		return "", err
	}
	sess.PublishBranch = branch
	sess.PublishURL = url
	if err := m.store.Save(sess); err != nil {
		return "", err
	}
	m.logger.Info("session published", "session_id", sess.ID, "branch", branch, "url", url)
	return url, nil
}

func shortRevision(rev string) string {
	switch {
	case rev == "":
		return "nothing"
	case len(rev) > 12:
		return rev[:12]
	default:
		return rev
	}
}
