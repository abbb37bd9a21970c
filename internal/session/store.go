package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/fsutil"
)

// SessionsDir is the directory name within the state directory that contains all sessions
const SessionsDir = "sessions"

// SessionFileName is the name of the session record within a session directory
const SessionFileName = "session.json"

// Store persists session records under <stateDir>/sessions/<id>/session.json.
type Store struct {
	stateDir string
	clock    func() time.Time
}

// NewStore returns a Store rooted at stateDir (usually <repo>/.cadence).
func NewStore(stateDir string) *Store {
	return &Store{stateDir: stateDir, clock: time.Now}
}

// SessionsDir returns the directory holding every session.
func (s *Store) SessionsDir() string {
	return filepath.Join(s.stateDir, SessionsDir)
}

// Dir returns the directory of one session. Artifacts and logs live here too.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.SessionsDir(), id)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir(id), SessionFileName)
}

// Save stamps the record and writes it atomically.
func (s *Store) Save(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id is empty", errors.ErrInvalidInput)
	}
	now := s.clock().UTC()
	if sess.Created.IsZero() {
		sess.Created = now
	}
	sess.Updated = now
	if sess.Version == 0 {
		sess.Version = FormatVersion
	}
	if err := fsutil.WriteJSONAtomic(s.path(sess.ID), sess); err != nil {
		return errors.NewSessionError("failed to save session", err).WithSessionID(sess.ID)
	}
	return nil
}

// Load reads and validates a session record.
func (s *Store) Load(id string) (*Session, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewSessionError("no such session", errors.ErrSessionNotFound).WithSessionID(id)
		}
		return nil, errors.NewSessionError("failed to read session", err).WithSessionID(id)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, corrupted(path, "session record is not valid JSON", err)
	}
	if err := sess.Validate(); err != nil {
		return nil, corrupted(path, "session record is inconsistent", err)
	}
	if sess.ID != id {
		return nil, corrupted(path, fmt.Sprintf("session record belongs to %q", sess.ID), nil)
	}
	return &sess, nil
}

// Exists reports whether a session record is present.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}
