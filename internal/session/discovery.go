package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Info contains summary information about a session
type Info struct {
	ID             string    `json:"id"`
	PlanRef        string    `json:"plan_ref"`
	Status         Status    `json:"status"`
	CurrentStep    string    `json:"current_step,omitempty"`
	CompletedSteps int       `json:"completed_steps"`
	TotalSteps     int       `json:"total_steps"`
	Reconciliation bool      `json:"reconciliation"`
	Halt           *Halt     `json:"halt,omitempty"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
	IsLocked       bool      `json:"is_locked"`
	LockInfo       *Lock     `json:"lock_info,omitempty"`
	SessionDir     string    `json:"session_dir"`
}

// List returns information about every readable session, most recently
// updated first. Sessions are discovered by scanning the sessions directory
// for subdirectories containing a session record.
func (s *Store) List() ([]*Info, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No sessions directory = no sessions
		}
		return nil, err
	}

	var sessions []*Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := s.Info(entry.Name())
		if err != nil {
			// Skip sessions we can't read
			continue
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Updated.After(sessions[j].Updated)
	})
	return sessions, nil
}

// Info returns summary information about one session without validating the
// whole record.
func (s *Store) Info(id string) (*Info, error) {
	dir := s.Dir(id)
	data, err := os.ReadFile(filepath.Join(dir, SessionFileName))
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}

	lockInfo, isLocked := IsLocked(dir)
	return &Info{
		ID:             sess.ID,
		PlanRef:        sess.PlanRef,
		Status:         sess.Status,
		CurrentStep:    sess.CurrentStep,
		CompletedSteps: len(sess.Completed),
		TotalSteps:     len(sess.Completed) + len(sess.Remaining),
		Reconciliation: sess.NeedsReconciliation(),
		Halt:           sess.Halt,
		Created:        sess.Created,
		Updated:        sess.Updated,
		IsLocked:       isLocked,
		LockInfo:       lockInfo,
		SessionDir:     dir,
	}, nil
}

// Resumable returns the sessions that are neither terminal nor locked by a
// live process.
func (s *Store) Resumable() ([]*Info, error) {
	sessions, err := s.List()
	if err != nil {
		return nil, err
	}

	var out []*Info
	for _, info := range sessions {
		if !info.Status.Terminal() && !info.IsLocked {
			out = append(out, info)
		}
	}
	return out, nil
}

// CleanupStaleLocks removes lock files left behind by dead processes.
// Returns the IDs of sessions that had stale locks cleaned.
func (s *Store) CleanupStaleLocks() ([]string, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cleaned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wasCleaned, err := CleanStaleLock(s.Dir(entry.Name()), nil)
		if err != nil {
			continue // Skip errors, try other sessions
		}
		if wasCleaned {
			cleaned = append(cleaned, entry.Name())
		}
	}
	return cleaned, nil
}
