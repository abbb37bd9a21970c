package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
)

type note struct {
	Text string `json:"text"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewStore(t.TempDir(), WithClock(func() time.Time { return fixed }))
}

func writeThrough(t *testing.T, s *Store, step string, last phase.Phase) {
	t.Helper()
	for p := phase.Strategy; p != phase.None && p.Ordinal() <= last.Ordinal(); p = p.Next() {
		_, err := s.Write(step, p, note{Text: string(p)})
		require.NoError(t, err, "write %s", p)
	}
}

func TestWriteAndRead(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Write("auth", phase.Strategy, note{Text: "plan"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempt)
	assert.True(t, a.Complete)

	got, ok, err := s.Read("auth", phase.Strategy)
	require.NoError(t, err)
	require.True(t, ok)

	var n note
	require.NoError(t, got.Decode(&n))
	assert.Equal(t, "plan", n.Text)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.CreatedAt)

	_, ok, err = s.Read("auth", phase.Implementation)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrite_RejectsOutOfOrder(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("auth", phase.Implementation, note{})
	require.Error(t, err)
	assert.True(t, errors.IsStructural(err))
	assert.ErrorIs(t, err, errors.ErrOutOfOrder)

	exists, err := s.Exists("auth", phase.Implementation)
	require.NoError(t, err)
	assert.False(t, exists, "rejected write must leave nothing behind")
}

func TestWrite_StrictOrderForEveryPhase(t *testing.T) {
	for _, target := range phase.All() {
		for _, skipped := range target.Before() {
			t.Run(string(target)+"_without_"+string(skipped), func(t *testing.T) {
				s := newTestStore(t)
				for _, p := range target.Before() {
					if p == skipped {
						continue
					}
					// Writes past the gap fail too; that's fine, only the target matters.
					_, _ = s.Write("s", p, note{})
				}
				_, err := s.Write("s", target, note{})
				assert.ErrorIs(t, err, errors.ErrOutOfOrder)
			})
		}
	}
}

func TestWrite_RejectsRewriteBehindLaterPhase(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Verification)

	_, err := s.Write("auth", phase.Implementation, note{})
	assert.ErrorIs(t, err, errors.ErrOutOfOrder)
}

func TestWrite_RetryOverwritesSlot(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Strategy)

	a, err := s.Write("auth", phase.Strategy, note{Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Attempt)

	got, _, err := s.Read("auth", phase.Strategy)
	require.NoError(t, err)
	var n note
	require.NoError(t, got.Decode(&n))
	assert.Equal(t, "second", n.Text)
}

func TestWrite_InvalidKeys(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("../escape", phase.Strategy, note{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = s.Write("ok", phase.DriftGate, note{})
	assert.ErrorIs(t, err, errors.ErrUnknownPhase)
}

func TestLatestPhase(t *testing.T) {
	s := newTestStore(t)

	latest, err := s.LatestPhase("auth")
	require.NoError(t, err)
	assert.Equal(t, phase.None, latest)

	for _, p := range phase.All() {
		_, err := s.Write("auth", p, note{})
		require.NoError(t, err)

		latest, err := s.LatestPhase("auth")
		require.NoError(t, err)
		assert.Equal(t, p, latest)
		assert.Equal(t, p.Next(), latest.Next(), "resume point must be exactly the next phase")
	}
}

func TestLatestPhase_DetectsGapOnDisk(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Verification)

	// Simulate external tampering: remove the middle artifact.
	require.NoError(t, os.Remove(filepath.Join(s.StepDir("auth"), "02-implementation.json")))

	_, err := s.LatestPhase("auth")
	require.Error(t, err)
	assert.True(t, errors.IsStructural(err))
	assert.ErrorIs(t, err, errors.ErrOutOfOrder)
}

func TestRead_CorruptedArtifact(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Strategy)
	require.NoError(t, os.WriteFile(filepath.Join(s.StepDir("auth"), "01-strategy.json"), []byte("{not json"), 0644))

	_, _, err := s.Read("auth", phase.Strategy)
	assert.ErrorIs(t, err, errors.ErrArtifactCorrupted)
	assert.True(t, errors.IsStructural(err))
}

func TestRead_MismatchedSlot(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Implementation)

	data, err := os.ReadFile(filepath.Join(s.StepDir("auth"), "02-implementation.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.StepDir("auth"), "01-strategy.json"), data, 0644))

	_, _, err = s.Read("auth", phase.Strategy)
	assert.ErrorIs(t, err, errors.ErrArtifactCorrupted)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.QualityReview)

	list, err := s.List("auth")
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i, a := range list {
		assert.Equal(t, phase.All()[i], a.Phase)
	}
}

func TestSteps(t *testing.T) {
	s := newTestStore(t)

	steps, err := s.Steps()
	require.NoError(t, err)
	assert.Empty(t, steps)

	writeThrough(t, s, "b", phase.Strategy)
	writeThrough(t, s, "a", phase.Strategy)

	steps, err = s.Steps()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, steps)
}

func TestRewind(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Verification)

	gen, err := s.Rewind("auth", phase.Implementation)
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	latest, err := s.LatestPhase("auth")
	require.NoError(t, err)
	assert.Equal(t, phase.Strategy, latest)

	for _, name := range []string{"02-implementation.json", "03-verification.json"} {
		_, err := os.Stat(filepath.Join(s.StepDir("auth"), "history", "1", name))
		assert.NoError(t, err, "retired artifact %s must be kept", name)
	}

	// The slot reopens and the attempt counter remembers the retired generation.
	a, err := s.Write("auth", phase.Implementation, note{Text: "again"})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Attempt)

	gen, err = s.Rewind("auth", phase.Implementation)
	require.NoError(t, err)
	assert.Equal(t, 2, gen)
}

func TestRewind_NothingToRetire(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Strategy)

	gen, err := s.Rewind("auth", phase.Verification)
	require.NoError(t, err)
	assert.Equal(t, 0, gen)
}

func TestRecordAttempt(t *testing.T) {
	s := newTestStore(t)
	writeThrough(t, s, "auth", phase.Strategy)

	_, err := s.RecordAttempt("auth", phase.Implementation, "early stop", true, map[string][]string{"touched": {"x.go"}})
	require.NoError(t, err)
	_, err = s.RecordAttempt("auth", phase.Implementation, "worker crashed", false, nil)
	require.NoError(t, err)

	attempts, err := s.Attempts("auth")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Number)
	assert.True(t, attempts[0].Partial)
	assert.Equal(t, "worker crashed", attempts[1].Reason)

	latest, err := s.LatestPhase("auth")
	require.NoError(t, err)
	assert.Equal(t, phase.Strategy, latest, "attempts must never count as artifacts")
}
