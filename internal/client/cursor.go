package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/burrow/internal/types"
)

// Cursor is the client's resumption bookmark for one turn.
type Cursor struct {
	SessionID   types.SessionID `json:"session_id"`
	TurnID      types.TurnID    `json:"turn_id,omitempty"`
	LastEventID types.EventID   `json:"last_event_id"`

	// TurnStarted is set once the turn's own init event has been seen;
	// events before it belong to earlier turns of the session.
	TurnStarted bool      `json:"turn_started"`
	Completed   bool      `json:"completed,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CursorStore persists the cursor between process runs.
type CursorStore interface {
	// Load returns the saved cursor, or nil if there is none.
	Load() (*Cursor, error)
	Save(c *Cursor) error
	Clear() error
}

// FileCursorStore keeps the cursor in a small JSON file.
type FileCursorStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCursorStore returns a store writing to path.
func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: strings.TrimSpace(path)}
}

// DefaultCursorPath returns ~/.burrow/cursor.json.
func DefaultCursorPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".burrow", "cursor.json"), nil
}

func (s *FileCursorStore) Load() (*Cursor, error) {
	if s.path == "" {
		return nil, errors.New("cursor path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &c, nil
}

func (s *FileCursorStore) Save(c *Cursor) error {
	if s.path == "" {
		return errors.New("cursor path is required")
	}
	if c == nil {
		return errors.New("cursor is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileCursorStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
