package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/cadence/internal/artifact"
	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/escalation"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/pipeline"
	"github.com/Iron-Ham/cadence/internal/tracker"
	"github.com/Iron-Ham/cadence/internal/worker"
)

const testPlan = `
title: Auth
steps:
  - id: store
    title: Session store
    expected_artifacts: [internal/auth/store.go]
  - id: tokens
    title: Token issuing
    expected_artifacts: [internal/auth/token.go]
    depends_on: [store]
`

type fakeVCS struct {
	mu        sync.Mutex
	commits   []string
	published []string
}

func (v *fakeVCS) Stage(context.Context, []string) error { return nil }

func (v *fakeVCS) Commit(_ context.Context, message string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.commits = append(v.commits, message)
	return fmt.Sprintf("rev-%d", len(v.commits)), nil
}

func (v *fakeVCS) ChangedFiles(context.Context) ([]string, error) { return nil, nil }

func (v *fakeVCS) Publish(_ context.Context, branch string) (string, error) {
	v.published = append(v.published, branch)
	return "https://example.com/repo/tree/" + branch, nil
}

// approvingWorkers returns workers that approve every phase, using the
// step's expected artifacts as both the plan and the change.
func approvingWorkers() worker.Set {
	files := func(req worker.Request) []string { return req.Step.ExpectedArtifacts }
	return worker.Set{
		phase.Strategy: worker.Func(func(_ context.Context, req worker.Request) (worker.Response, error) {
			return worker.Approve(worker.StrategyPayload{Approach: "direct", ExpectedFiles: files(req)})
		}),
		phase.Implementation: worker.Func(func(_ context.Context, req worker.Request) (worker.Response, error) {
			return worker.Approve(worker.ImplementationPayload{Summary: "done", TouchedFiles: files(req)})
		}),
		phase.Verification: worker.Func(func(context.Context, worker.Request) (worker.Response, error) {
			return worker.Approve(worker.VerificationPayload{Summary: "ok"})
		}),
		phase.QualityReview: worker.Func(func(context.Context, worker.Request) (worker.Response, error) {
			return worker.Approve(worker.ReviewPayload{Summary: "ok"})
		}),
		phase.Logging: worker.Func(func(_ context.Context, req worker.Request) (worker.Response, error) {
			return worker.Approve(worker.LoggingPayload{Entry: "finished " + req.StepID})
		}),
		phase.Commit: worker.Func(func(_ context.Context, req worker.Request) (worker.Response, error) {
			return worker.Approve(worker.CommitPayload{Message: "Complete " + req.StepID, Files: files(req)})
		}),
	}
}

type fixture struct {
	t        *testing.T
	root     string
	planPath string
	cfg      *config.Config
	vcs      *fakeVCS
	tracker  *tracker.Memory
	gateway  *escalation.ScriptedGateway
	workers  worker.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	planPath := filepath.Join(root, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(testPlan), 0644))

	cfg := config.Default()
	cfg.Pipeline.CommitPolicy = string(pipeline.PolicyImmediate)
	return &fixture{
		t:        t,
		root:     root,
		planPath: planPath,
		cfg:      cfg,
		vcs:      &fakeVCS{},
		tracker:  tracker.NewMemory(),
		gateway:  escalation.NewScriptedGateway(),
		workers:  approvingWorkers(),
	}
}

func (f *fixture) manager(opts ...Option) *Manager {
	f.t.Helper()
	opts = append([]Option{WithSessionLogs(false), WithObserverFactory(nil)}, opts...)
	m, err := NewManager(f.cfg, f.root, Deps{
		Tracker: f.tracker,
		VCS:     f.vcs,
		Workers: f.workers,
		Gateway: f.gateway,
	}, opts...)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) create(m *Manager) *Session {
	f.t.Helper()
	sess, err := m.Create(context.Background(), f.planPath, "")
	require.NoError(f.t, err)
	return sess
}

func TestManager_Create(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	sess := f.create(m)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusInProgress, sess.Status)
	assert.Equal(t, pipeline.PolicyImmediate, sess.CommitPolicy)
	assert.Equal(t, []string{"store", "tokens"}, sess.Remaining)
	assert.Empty(t, sess.Completed)
	assert.Equal(t, map[string]string{"store": "item-1", "tokens": "item-2"}, sess.TrackerItems)
	assert.True(t, filepath.IsAbs(sess.PlanRef))

	loaded, err := m.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, sess.Remaining, loaded.Remaining)
	assert.Equal(t, FormatVersion, loaded.Version)

	_, err = m.Create(context.Background(), f.planPath, "sometimes")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestManager_RunCompletes(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	sess := f.create(m)

	require.NoError(t, m.Run(context.Background(), sess))

	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, []string{"store", "tokens"}, sess.Completed)
	assert.Empty(t, sess.Remaining)
	assert.Empty(t, sess.CurrentStep)
	assert.Nil(t, sess.Halt)
	assert.Equal(t, []string{"Complete store", "Complete tokens"}, f.vcs.commits)

	for _, item := range []string{"item-1", "item-2"} {
		_, closed := f.tracker.Closed(item)
		assert.True(t, closed, item)
	}

	loaded, err := m.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)

	store := artifact.NewStore(m.Store().Dir(sess.ID))
	latest, err := store.LatestPhase("tokens")
	require.NoError(t, err)
	assert.Equal(t, phase.Commit, latest)

	_, locked := IsLocked(m.Store().Dir(sess.ID))
	assert.False(t, locked, "lock is released after the run")

	err = m.Run(context.Background(), sess)
	assert.ErrorIs(t, err, errors.ErrSessionTerminal)
}

func TestManager_PendingDecisionResumes(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.workers[phase.Implementation] = worker.Func(func(_ context.Context, req worker.Request) (worker.Response, error) {
		if calls.Add(1) == 1 {
			return worker.Response{Verdict: worker.VerdictFail, Error: "sandbox crashed"}, nil
		}
		return worker.Approve(worker.ImplementationPayload{TouchedFiles: req.Step.ExpectedArtifacts})
	})
	m := f.manager()
	sess := f.create(m)

	err := m.Run(context.Background(), sess)
	require.ErrorIs(t, err, errors.ErrNoDecision)
	assert.Equal(t, StatusInProgress, sess.Status)
	require.NotNil(t, sess.Halt)
	assert.Equal(t, "store", sess.Halt.Step)
	assert.Equal(t, "implementation", sess.Halt.Phase)
	assert.Equal(t, "store", sess.CurrentStep)

	// The halt is persisted for status reporting.
	loaded, err := m.Load(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Halt)
	assert.Equal(t, "implementation", loaded.Halt.Phase)

	f.gateway.Add(escalation.ContextPhaseFailure, escalation.OptionRetry)
	require.NoError(t, m.Run(context.Background(), loaded))
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestManager_OffMenuAnswerStaysResumable(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.workers[phase.Verification] = worker.Func(func(context.Context, worker.Request) (worker.Response, error) {
		if calls.Add(1) == 1 {
			return worker.Response{Verdict: worker.VerdictEscalate, Reason: "flaky suite"}, nil
		}
		return worker.Approve(worker.VerificationPayload{Summary: "ok"})
	})
	f.gateway.Add(escalation.ContextWorkerEscalation, escalation.OptionCommit)
	m := f.manager()
	sess := f.create(m)

	err := m.Run(context.Background(), sess)
	require.ErrorIs(t, err, errors.ErrInvalidOption)
	assert.Equal(t, StatusInProgress, sess.Status)
	require.NotNil(t, sess.Halt)
	assert.Equal(t, "verification", sess.Halt.Phase)

	f.gateway.Add(escalation.ContextWorkerEscalation, escalation.OptionRevise)
	require.NoError(t, m.Run(context.Background(), sess))
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestManager_AbortFailsSession(t *testing.T) {
	f := newFixture(t)
	f.workers[phase.Verification] = worker.Func(func(context.Context, worker.Request) (worker.Response, error) {
		return worker.Response{Verdict: worker.VerdictEscalate, Reason: "cannot run tests"}, nil
	})
	f.gateway.Add(escalation.ContextWorkerEscalation, escalation.OptionAbort)
	m := f.manager()
	sess := f.create(m)

	err := m.Run(context.Background(), sess)
	require.ErrorIs(t, err, errors.ErrAborted)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Equal(t, "verification", sess.Halt.Phase)
	assert.Empty(t, f.vcs.commits)

	err = m.Run(context.Background(), sess)
	assert.ErrorIs(t, err, errors.ErrSessionTerminal)
}

func TestManager_Reconciliation(t *testing.T) {
	f := newFixture(t)
	f.tracker.FailClose(func(item string) error {
		if item == "item-1" {
			return errors.New("tracker unavailable")
		}
		return nil
	})
	m := f.manager()
	sess := f.create(m)

	err := m.Run(context.Background(), sess)
	require.ErrorIs(t, err, errors.ErrReconciliationRequired)
	assert.Equal(t, StatusInProgress, sess.Status)
	require.NotNil(t, sess.Reconciliation)
	assert.True(t, sess.NeedsReconciliation())
	assert.Equal(t, "store", sess.Reconciliation.Step)
	assert.Equal(t, "item-1", sess.Reconciliation.Item)
	assert.Equal(t, "rev-1", sess.Reconciliation.Revision)
	assert.Equal(t, []string{"store", "tokens"}, sess.Remaining)

	// Without an acknowledgement the next run refuses to move on.
	err = m.Run(context.Background(), sess)
	require.ErrorIs(t, err, errors.ErrReconciliationRequired)
	assert.Len(t, f.vcs.commits, 1)
	reqs := f.gateway.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, escalation.ContextReconciliation, reqs[len(reqs)-1].Context)

	assert.ErrorIs(t, m.Acknowledge(sess, "tokens"), errors.ErrInvalidInput)
	require.NoError(t, m.Acknowledge(sess, "store"))
	assert.False(t, sess.NeedsReconciliation())
	assert.Equal(t, []string{"store"}, sess.Completed)

	require.NoError(t, m.Run(context.Background(), sess))
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Len(t, f.vcs.commits, 2)

	assert.ErrorIs(t, m.Acknowledge(sess, ""), errors.ErrInvalidInput)
}

func TestManager_ReconciliationAcknowledgedByGateway(t *testing.T) {
	f := newFixture(t)
	f.tracker.FailClose(func(item string) error {
		if item == "item-1" {
			return errors.New("tracker unavailable")
		}
		return nil
	})
	m := f.manager()
	sess := f.create(m)
	require.ErrorIs(t, m.Run(context.Background(), sess), errors.ErrReconciliationRequired)

	f.gateway.Add(escalation.ContextReconciliation, escalation.OptionAcknowledge)
	require.NoError(t, m.Run(context.Background(), sess))
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.True(t, sess.Reconciliation.Acknowledged)
	assert.NotNil(t, sess.Reconciliation.AcknowledgedAt)
}

func TestManager_DependencyUnmet(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	sess := f.create(m)
	sess.Remaining = []string{"tokens", "store"}
	require.NoError(t, m.Store().Save(sess))

	err := m.Run(context.Background(), sess)
	require.ErrorIs(t, err, errors.ErrDependencyUnmet)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Equal(t, "tokens", sess.Halt.Step)
	assert.Empty(t, f.vcs.commits)
}

func TestManager_Interrupted(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	sess := f.create(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Run(ctx, sess)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusInProgress, sess.Status)
	assert.Equal(t, "interrupted", sess.Halt.Reason)
}

func TestManager_Publish(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	sess := f.create(m)

	_, err := m.Publish(context.Background(), sess, "")
	require.ErrorIs(t, err, errors.ErrInvalidInput)

	require.NoError(t, m.Run(context.Background(), sess))
	url, err := m.Publish(context.Background(), sess, "")
	require.NoError(t, err)

	branch := "cadence/" + sess.ID[:8]
	assert.Equal(t, []string{branch}, f.vcs.published)
	assert.Equal(t, "https://example.com/repo/tree/"+branch, url)

	loaded, err := m.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, url, loaded.PublishURL)
	assert.Equal(t, branch, loaded.PublishBranch)
}

func TestManager_SessionLog(t *testing.T) {
	f := newFixture(t)
	m := f.manager(WithSessionLogs(true))
	sess := f.create(m)
	require.NoError(t, m.Run(context.Background(), sess))

	data, err := os.ReadFile(filepath.Join(m.Store().Dir(sess.ID), "debug.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "phase.completed")
	assert.Contains(t, string(data), sess.ID)
}

func TestStore_LoadErrors(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Load("missing")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	require.NoError(t, os.MkdirAll(s.Dir("bad"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir("bad"), SessionFileName), []byte("{not json"), 0644))
	_, err = s.Load("bad")
	assert.True(t, errors.IsStructural(err))
	assert.ErrorIs(t, err, errors.ErrSessionCorrupted)

	future := &Session{ID: "future", Version: FormatVersion + 1, Status: StatusInProgress, CommitPolicy: pipeline.PolicyImmediate}
	require.NoError(t, os.MkdirAll(s.Dir("future"), 0755))
	data, err := json.Marshal(future)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir("future"), SessionFileName), data, 0644))
	_, err = s.Load("future")
	assert.ErrorIs(t, err, errors.ErrSessionCorrupted)
}

func TestSession_Validate(t *testing.T) {
	valid := func() *Session {
		return &Session{
			Version:      FormatVersion,
			ID:           "s",
			Status:       StatusInProgress,
			CommitPolicy: pipeline.PolicyConfirmed,
			Completed:    []string{"a"},
			Remaining:    []string{"b"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Session)
	}{
		{"empty id", func(s *Session) { s.ID = "" }},
		{"unknown status", func(s *Session) { s.Status = "paused" }},
		{"unknown policy", func(s *Session) { s.CommitPolicy = "later" }},
		{"duplicate step", func(s *Session) { s.Remaining = []string{"a"} }},
		{"completed with remaining", func(s *Session) { s.Status = StatusCompleted }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestStore_List(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(t.TempDir())
	for i, id := range []string{"older", "newer"} {
		s.clock = func() time.Time { return now.Add(time.Duration(i) * time.Hour) }
		require.NoError(t, s.Save(&Session{
			ID:           id,
			Status:       StatusInProgress,
			CommitPolicy: pipeline.PolicyImmediate,
			Completed:    []string{"a"},
			Remaining:    []string{"b", "c"},
		}))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(s.SessionsDir(), "empty"), 0755))

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "newer", infos[0].ID)
	assert.Equal(t, "older", infos[1].ID)
	assert.Equal(t, 1, infos[0].CompletedSteps)
	assert.Equal(t, 3, infos[0].TotalSteps)
	assert.False(t, infos[0].IsLocked)

	resumable, err := s.Resumable()
	require.NoError(t, err)
	assert.Len(t, resumable, 2)

	empty, err := NewStore(t.TempDir()).List()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)

	_, err = AcquireLock(dir, "s1", nil)
	assert.ErrorIs(t, err, errors.ErrSessionLocked)

	holder, locked := IsLocked(dir)
	assert.True(t, locked)
	assert.Equal(t, "s1", holder.SessionID)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
	_, locked = IsLocked(dir)
	assert.False(t, locked)
}

func TestLock_Stale(t *testing.T) {
	dir := t.TempDir()
	stale, err := json.Marshal(Lock{SessionID: "s1", PID: 99999999, Hostname: "elsewhere"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), stale, 0644))

	_, locked := IsLocked(dir)
	assert.False(t, locked)

	lock, err := AcquireLock(dir, "s1", nil)
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()
	assert.Equal(t, os.Getpid(), lock.PID)

	cleaned, err := CleanStaleLock(dir, nil)
	require.NoError(t, err)
	assert.False(t, cleaned, "live lock is not stale")
}
