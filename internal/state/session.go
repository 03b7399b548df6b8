// internal/state/session.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/burrow/internal/types"
)

// Session metadata lives in sessions/sessions.json; event records live in the
// per-session directories next to it.

func (s *FileStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *FileStore) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

// sessionDir returns the directory holding one session's records. Ids that
// would resolve outside the sessions directory are refused.
func (s *FileStore) sessionDir(id types.SessionID) (string, error) {
	name := string(id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w %q", types.ErrInvalidSessionID, name)
	}
	return filepath.Join(s.sessionsDir(), name), nil
}

// loadSessions reads sessions.json and returns a map keyed by SessionID.
func (s *FileStore) loadSessions() (map[types.SessionID]*types.Session, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.Session), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.Session, len(sessions))
	for _, sess := range sessions {
		index[sess.ID] = sess
	}
	return index, nil
}

// saveSessions converts the map to a slice, marshals with indentation, and writes atomically.
func (s *FileStore) saveSessions(index map[types.SessionID]*types.Session) error {
	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// SaveSession creates or updates session metadata, setting UpdatedAt to now.
func (s *FileStore) SaveSession(_ context.Context, session *types.Session) error {
	dir, err := s.sessionDir(session.ID)
	if err != nil {
		return err
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	index, err := s.loadSessions()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	index[session.ID] = session

	if err := s.saveSessions(index); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

// GetSession returns the session with the given ID.
func (s *FileStore) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	index, err := s.loadSessions()
	if err != nil {
		return nil, err
	}

	sess, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return sess, nil
}

// ListSessions returns all sessions, oldest first.
func (s *FileStore) ListSessions(_ context.Context) ([]*types.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	index, err := s.loadSessions()
	if err != nil {
		return nil, err
	}

	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}
