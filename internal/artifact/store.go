// Package artifact persists one record per (step, phase) so that an
// interrupted session can resume exactly where it stopped.
//
// Layout under a session directory:
//
//	steps/<step>/01-strategy.json
//	steps/<step>/02-implementation.json
//	...
//	steps/<step>/history/<n>/...     artifacts retired by Rewind
//	steps/<step>/attempts/<nnn>-<phase>.json   failed or partial attempts
//
// Artifacts for a step always form a strict prefix of the phase order.
// Writes that would break that order, and on-disk layouts that already
// break it, are structural errors: the store reports them and never repairs.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/fsutil"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/phase"
)

const (
	stepsDir    = "steps"
	historyDir  = "history"
	attemptsDir = "attempts"
)

// Artifact is the durable record of one completed phase for one step.
type Artifact struct {
	Step      string          `json:"step"`
	Phase     phase.Phase     `json:"phase"`
	Attempt   int             `json:"attempt"`
	Complete  bool            `json:"complete"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (a Artifact) Decode(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("artifact %s/%s has no payload", a.Step, a.Phase)
	}
	return json.Unmarshal(a.Payload, v)
}

// Attempt records a phase invocation that did not produce an artifact:
// a failed or malformed response, or implementation work stopped early.
type Attempt struct {
	Step       string          `json:"step"`
	Phase      phase.Phase     `json:"phase"`
	Number     int             `json:"number"`
	Reason     string          `json:"reason"`
	Partial    bool            `json:"partial"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store reads and writes artifacts for one session.
// A Store assumes a single writer per session, which the session lock provides.
type Store struct {
	root   string
	clock  func() time.Time
	logger *logging.Logger
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore returns a Store rooted at a session directory.
func NewStore(sessionDir string, opts ...Option) *Store {
	s := &Store{
		root:   sessionDir,
		clock:  time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the session directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

// StepDir returns the directory holding a step's artifacts.
func (s *Store) StepDir(step string) string {
	return filepath.Join(s.root, stepsDir, step)
}

func (s *Store) slotPath(step string, p phase.Phase) string {
	return filepath.Join(s.StepDir(step), slotName(p))
}

func slotName(p phase.Phase) string {
	return fmt.Sprintf("%02d-%s.json", p.Ordinal(), p)
}

func validateKey(step string, p phase.Phase) error {
	if err := ValidateStepID(step); err != nil {
		return err
	}
	if !p.Valid() {
		return errors.Wrapf(errors.ErrUnknownPhase, "phase %q", string(p))
	}
	return nil
}

// ValidateStepID rejects identifiers that cannot be used as a directory name.
func ValidateStepID(step string) error {
	if step == "" || step == "." || step == ".." ||
		strings.ContainsAny(step, `/\`) || strings.HasPrefix(step, ".") {
		return errors.Wrapf(errors.ErrInvalidInput, "step id %q", step)
	}
	return nil
}

// Write persists the artifact for (step, p) atomically.
//
// Every phase before p must already have an artifact, and no phase after p
// may have one; otherwise the write is rejected with a StructuralError
// wrapping ErrOutOfOrder. Writing an existing slot replaces only that slot.
func (s *Store) Write(step string, p phase.Phase, payload any) (Artifact, error) {
	if err := validateKey(step, p); err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prior := range p.Before() {
		ok, err := s.exists(step, prior)
		if err != nil {
			return Artifact{}, err
		}
		if !ok {
			s.logger.Error("rejected out-of-order artifact write",
				"step_id", step, "phase", string(p), "missing", string(prior))
			return Artifact{}, errors.NewStructuralError(
				fmt.Sprintf("cannot write %s before %s", p, prior), errors.ErrOutOfOrder,
			).WithStep(step).WithPhase(string(p))
		}
	}
	for later := p.Next(); later != phase.None; later = later.Next() {
		ok, err := s.exists(step, later)
		if err != nil {
			return Artifact{}, err
		}
		if ok {
			return Artifact{}, errors.NewStructuralError(
				fmt.Sprintf("cannot rewrite %s while %s exists", p, later), errors.ErrOutOfOrder,
			).WithStep(step).WithPhase(string(p))
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to marshal %s payload: %w", p, err)
	}

	attempt, err := s.nextAttempt(step, p)
	if err != nil {
		return Artifact{}, err
	}

	a := Artifact{
		Step:      step,
		Phase:     p,
		Attempt:   attempt,
		Complete:  true,
		CreatedAt: s.clock().UTC(),
		Payload:   raw,
	}
	if err := fsutil.WriteJSONAtomic(s.slotPath(step, p), a); err != nil {
		return Artifact{}, fmt.Errorf("failed to write %s artifact for %s: %w", p, step, err)
	}

	s.logger.Debug("artifact written", "step_id", step, "phase", string(p), "attempt", attempt)
	return a, nil
}

// nextAttempt is one more than the number of times this slot has been
// filled before, counting the current slot and every retired generation.
func (s *Store) nextAttempt(step string, p phase.Phase) (int, error) {
	n := 1
	if prev, ok, err := s.read(step, p); err != nil {
		return 0, err
	} else if ok {
		n = prev.Attempt + 1
	}

	gens, err := s.generations(step)
	if err != nil {
		return 0, err
	}
	for _, g := range gens {
		if _, err := os.Stat(filepath.Join(s.StepDir(step), historyDir, strconv.Itoa(g), slotName(p))); err == nil {
			n++
		}
	}
	return n, nil
}

// Read returns the artifact for (step, p). ok is false when it is absent.
// A present file that cannot be decoded is a StructuralError.
func (s *Store) Read(step string, p phase.Phase) (Artifact, bool, error) {
	if err := validateKey(step, p); err != nil {
		return Artifact{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(step, p)
}

func (s *Store) read(step string, p phase.Phase) (Artifact, bool, error) {
	path := s.slotPath(step, p)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, false, errors.NewStructuralError("artifact is not valid JSON", errors.ErrArtifactCorrupted).
			WithStep(step).WithPhase(string(p)).WithPath(path)
	}
	if a.Step != step || a.Phase != p || !a.Complete {
		return Artifact{}, false, errors.NewStructuralError("artifact does not match its slot", errors.ErrArtifactCorrupted).
			WithStep(step).WithPhase(string(p)).WithPath(path)
	}
	return a, true, nil
}

// Exists reports whether (step, p) has an artifact.
func (s *Store) Exists(step string, p phase.Phase) (bool, error) {
	if err := validateKey(step, p); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists(step, p)
}

func (s *Store) exists(step string, p phase.Phase) (bool, error) {
	_, err := os.Stat(s.slotPath(step, p))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// LatestPhase returns the furthest phase with an artifact, or phase.None.
// A gap in the prefix (phase K absent while K+1 is present) is a
// StructuralError wrapping ErrOutOfOrder.
func (s *Store) LatestPhase(step string) (phase.Phase, error) {
	if err := ValidateStepID(step); err != nil {
		return phase.None, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := phase.None
	var missing phase.Phase
	for _, p := range phase.All() {
		ok, err := s.exists(step, p)
		if err != nil {
			return phase.None, err
		}
		switch {
		case ok && missing != phase.None:
			s.logger.Error("artifact prefix broken on disk",
				"step_id", step, "missing", string(missing), "present", string(p))
			return phase.None, errors.NewStructuralError(
				fmt.Sprintf("%s exists but %s does not", p, missing), errors.ErrOutOfOrder,
			).WithStep(step).WithPhase(string(p)).WithPath(s.StepDir(step))
		case ok:
			latest = p
		case missing == phase.None:
			missing = p
		}
	}
	return latest, nil
}

// List returns the step's artifacts in phase order.
func (s *Store) List(step string) ([]Artifact, error) {
	latest, err := s.LatestPhase(step)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Artifact
	for p := phase.Strategy; p != phase.None && p.Ordinal() <= latest.Ordinal(); p = p.Next() {
		a, ok, err := s.read(step, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Steps returns the IDs of every step with a directory in the store, sorted.
func (s *Store) Steps() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, stepsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var steps []string
	for _, e := range entries {
		if e.IsDir() && ValidateStepID(e.Name()) == nil {
			steps = append(steps, e.Name())
		}
	}
	sort.Strings(steps)
	return steps, nil
}

// Rewind retires the artifacts for from and every later phase into a new
// history generation, re-opening those slots. Nothing is deleted. It returns
// the generation number, or 0 when there was nothing to retire.
func (s *Store) Rewind(step string, from phase.Phase) (int, error) {
	if err := validateKey(step, from); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var present []phase.Phase
	for p := from; p != phase.None; p = p.Next() {
		ok, err := s.exists(step, p)
		if err != nil {
			return 0, err
		}
		if ok {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}

	gens, err := s.generations(step)
	if err != nil {
		return 0, err
	}
	gen := 1
	if len(gens) > 0 {
		gen = gens[len(gens)-1] + 1
	}
	dest := filepath.Join(s.StepDir(step), historyDir, strconv.Itoa(gen))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, fmt.Errorf("failed to create history directory: %w", err)
	}

	// Latest first, so a crash mid-rewind still leaves a valid prefix.
	for i := len(present) - 1; i >= 0; i-- {
		p := present[i]
		if err := os.Rename(s.slotPath(step, p), filepath.Join(dest, slotName(p))); err != nil {
			return 0, fmt.Errorf("failed to retire %s artifact: %w", p, err)
		}
	}

	s.logger.Info("artifacts rewound", "step_id", step, "from", string(from), "generation", gen, "retired", len(present))
	return gen, nil
}

func (s *Store) generations(step string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.StepDir(step), historyDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var gens []int
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && e.IsDir() {
			gens = append(gens, n)
		}
	}
	sort.Ints(gens)
	return gens, nil
}

// RecordAttempt stores a failed or partial attempt outside the artifact
// slots. Recording never affects LatestPhase.
func (s *Store) RecordAttempt(step string, p phase.Phase, reason string, partial bool, payload any) (Attempt, error) {
	if err := validateKey(step, p); err != nil {
		return Attempt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Attempt{}, fmt.Errorf("failed to marshal attempt payload: %w", err)
		}
		raw = data
	}

	existing, err := s.attempts(step)
	if err != nil {
		return Attempt{}, err
	}
	at := Attempt{
		Step:       step,
		Phase:      p,
		Number:     len(existing) + 1,
		Reason:     reason,
		Partial:    partial,
		Payload:    raw,
		RecordedAt: s.clock().UTC(),
	}
	name := fmt.Sprintf("%03d-%s.json", at.Number, p)
	if err := fsutil.WriteJSONAtomic(filepath.Join(s.StepDir(step), attemptsDir, name), at); err != nil {
		return Attempt{}, fmt.Errorf("failed to record attempt: %w", err)
	}

	s.logger.Warn("attempt recorded", "step_id", step, "phase", string(p), "reason", reason, "partial", partial)
	return at, nil
}

// Attempts returns the step's recorded attempts in the order they happened.
func (s *Store) Attempts(step string) ([]Attempt, error) {
	if err := ValidateStepID(step); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts(step)
}

func (s *Store) attempts(step string) ([]Attempt, error) {
	dir := filepath.Join(s.StepDir(step), attemptsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Attempt
	for _, e := range entries {
		if e.IsDir() || fsutil.IsTemp(e.Name()) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var at Attempt
		if err := json.Unmarshal(data, &at); err != nil {
			return nil, errors.NewStructuralError("attempt record is not valid JSON", errors.ErrArtifactCorrupted).
				WithStep(step).WithPath(filepath.Join(dir, e.Name()))
		}
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
