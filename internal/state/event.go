// internal/state/event.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/burrow/internal/types"
)

// FileStore is a JSONL-backed append-only event store.
// Events are stored per-session in sessions/<sessionID>/events.jsonl, one
// record per line, each carrying its own event_id.
type FileStore struct {
	root string

	mu      sync.Mutex
	locks   map[types.SessionID]*sync.Mutex
	indexes map[types.SessionID]*offsetIndex

	sessionsMu sync.RWMutex
}

// offsetIndex maps event ids to byte offsets in a session's events file.
// offsets[i] is where the record for event i+1 starts; size is the end of the
// last committed record. Readers never look past size.
type offsetIndex struct {
	mu      sync.RWMutex
	offsets []int64
	size    int64
}

func (x *offsetIndex) snapshot(since types.EventID) (start, end int64, last types.EventID) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	last = types.EventID(len(x.offsets))
	if since >= last {
		return x.size, x.size, last
	}
	return x.offsets[since], x.size, last
}

func (x *offsetIndex) last() types.EventID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return types.EventID(len(x.offsets))
}

func (x *offsetIndex) end() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}

func (x *offsetIndex) commit(offset, length int64) {
	x.mu.Lock()
	x.offsets = append(x.offsets, offset)
	x.size = offset + length
	x.mu.Unlock()
}

// NewFileStore creates a new file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:    root,
		locks:   make(map[types.SessionID]*sync.Mutex),
		indexes: make(map[types.SessionID]*offsetIndex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *FileStore) getLock(sessionID types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func (s *FileStore) eventsPath(sessionID types.SessionID) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// index returns the loaded offset index for the session. A session without an
// events file yields an empty index that is not cached.
func (s *FileStore) index(sessionID types.SessionID) (*offsetIndex, error) {
	s.mu.Lock()
	idx, ok := s.indexes[sessionID]
	s.mu.Unlock()
	if ok {
		return idx, nil
	}

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadIndex(sessionID)
}

// loadIndex scans the events file and builds its offset index. Caller must
// hold the session lock. A trailing record without a newline is the remains
// of an interrupted write; it is truncated away so the next append starts on
// a clean line.
func (s *FileStore) loadIndex(sessionID types.SessionID) (*offsetIndex, error) {
	s.mu.Lock()
	if idx, ok := s.indexes[sessionID]; ok {
		s.mu.Unlock()
		return idx, nil
	}
	s.mu.Unlock()

	path, err := s.eventsPath(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &offsetIndex{}, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	idx := &offsetIndex{}
	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				slog.Warn("truncating partial event record", "session_id", sessionID, "offset", offset, "bytes", len(line))
				if err := os.Truncate(path, offset); err != nil {
					return nil, fmt.Errorf("truncate partial record: %w", err)
				}
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read events file: %w", err)
		}
		var rec struct {
			ID types.EventID `json:"event_id"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode event at offset %d: %w", offset, err)
		}
		if want := types.EventID(len(idx.offsets) + 1); rec.ID != want {
			return nil, fmt.Errorf("event at offset %d has id %d, want %d: %w", offset, rec.ID, want, types.ErrWriteConflict)
		}
		idx.offsets = append(idx.offsets, offset)
		offset += int64(len(line))
	}
	idx.size = offset

	s.mu.Lock()
	s.indexes[sessionID] = idx
	s.mu.Unlock()
	return idx, nil
}

// AppendEvent writes the event as one JSON line and fsyncs it before
// returning. The event's id must be exactly one past the last stored id.
func (s *FileStore) AppendEvent(_ context.Context, event *types.Event) error {
	lock := s.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := s.loadIndex(event.SessionID)
	if err != nil {
		return err
	}
	if want := idx.last() + 1; event.ID != want {
		return fmt.Errorf("append event %d to session %s (next is %d): %w", event.ID, event.SessionID, want, types.ErrWriteConflict)
	}

	path, err := s.eventsPath(event.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	start := idx.end()
	if _, err := f.Write(data); err != nil {
		f.Truncate(start)
		return fmt.Errorf("write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Truncate(start)
		return fmt.Errorf("sync events file: %w", err)
	}

	if idx.last() == 0 {
		// First record: the index was not cached yet.
		s.mu.Lock()
		s.indexes[event.SessionID] = idx
		s.mu.Unlock()
	}
	idx.commit(start, int64(len(data)))
	return nil
}

// ScanEvents reads committed events with id > since in order. It seeks
// straight to the first wanted record using the offset index.
func (s *FileStore) ScanEvents(ctx context.Context, sessionID types.SessionID, since types.EventID, fn func(*types.Event) error) error {
	idx, err := s.index(sessionID)
	if err != nil {
		return err
	}
	start, end, last := idx.snapshot(since)
	if last == 0 {
		return types.ErrSessionNotFound
	}
	if start >= end {
		return nil
	}

	path, err := s.eventsPath(sessionID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.NewSectionReader(f, start, end-start))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read events file: %w", err)
		}
		var event types.Event
		if err := json.Unmarshal(bytes.TrimSpace(line), &event); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		if event.ID <= since {
			continue
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
}

// LastEventID returns the id of the last committed event for the session.
func (s *FileStore) LastEventID(_ context.Context, sessionID types.SessionID) (types.EventID, error) {
	idx, err := s.index(sessionID)
	if err != nil {
		return 0, err
	}
	return idx.last(), nil
}

// Close is a no-op; files are opened per operation.
func (s *FileStore) Close() error {
	return nil
}
