package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/burrow/internal/metrics"
	"github.com/user/burrow/internal/types"
)

// DefaultBufferSize is the number of recent events kept in memory per session.
const DefaultBufferSize = 512

// EventLog is the ordered, append-only record of every session's events. It
// assigns event ids, writes through to a durable Store and keeps a bounded
// tail of each session in memory for replay.
//
// Appends to one session are serialized; appends to different sessions and
// all reads proceed independently. Readers only ever observe events that the
// store has acknowledged.
type EventLog struct {
	store      types.Store
	bufferSize int
	clock      clock.Clock

	mu       sync.Mutex
	sessions map[types.SessionID]*sessionLog
}

type sessionLog struct {
	// mu serializes appends and guards loaded, evicted and touched.
	mu      sync.Mutex
	loaded  bool
	evicted bool
	touched time.Time
	ring    *ring
}

// Option configures an EventLog.
type Option func(*EventLog)

// WithBufferSize sets the per-session replay buffer capacity.
func WithBufferSize(n int) Option {
	return func(l *EventLog) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithClock overrides the clock used for received_at stamps and idle tracking.
func WithClock(c clock.Clock) Option {
	return func(l *EventLog) { l.clock = c }
}

// NewEventLog creates an EventLog backed by store.
func NewEventLog(store types.Store, opts ...Option) *EventLog {
	l := &EventLog{
		store:      store,
		bufferSize: DefaultBufferSize,
		clock:      clock.New(),
		sessions:   make(map[types.SessionID]*sessionLog),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the durable backend.
func (l *EventLog) Store() types.Store {
	return l.store
}

func (l *EventLog) session(id types.SessionID) *sessionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.sessions[id]
	if !ok {
		sl = &sessionLog{ring: newRing(l.bufferSize)}
		l.sessions[id] = sl
	}
	return sl
}

func (l *EventLog) lookup(id types.SessionID) (*sessionLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.sessions[id]
	return sl, ok
}

// warm loads the session's high-water mark and newest events from storage.
// Caller must hold sl.mu.
func (l *EventLog) warm(ctx context.Context, id types.SessionID, sl *sessionLog) error {
	last, err := l.store.LastEventID(ctx, id)
	if err != nil {
		return fmt.Errorf("load last event id: %w", err)
	}
	var tail []*types.Event
	if last > 0 {
		from := max(last-types.EventID(l.bufferSize), 0)
		err := l.store.ScanEvents(ctx, id, from, func(ev *types.Event) error {
			if ev.ID <= last {
				tail = append(tail, ev)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("load recent events: %w", err)
		}
	}
	sl.ring.reset(last, tail)
	sl.loaded = true
	return nil
}

// Append assigns the next event id for the session, persists the event and
// makes it visible to readers. The returned event must not be modified.
func (l *EventLog) Append(ctx context.Context, sessionID types.SessionID, eventType types.EventType, payload json.RawMessage) (*types.Event, error) {
	if sessionID == "" {
		return nil, errors.New("append: empty session id")
	}
	for {
		sl := l.session(sessionID)
		sl.mu.Lock()
		if sl.evicted {
			// Raced with EvictIdle; the next lookup creates a fresh entry.
			sl.mu.Unlock()
			continue
		}
		ev, err := l.appendLocked(ctx, sessionID, sl, eventType, payload)
		sl.mu.Unlock()
		return ev, err
	}
}

func (l *EventLog) appendLocked(ctx context.Context, sessionID types.SessionID, sl *sessionLog, eventType types.EventType, payload json.RawMessage) (*types.Event, error) {
	if !sl.loaded {
		if err := l.warm(ctx, sessionID, sl); err != nil {
			return nil, err
		}
	}

	ev := &types.Event{
		ID:         sl.ring.lastID() + 1,
		SessionID:  sessionID,
		Type:       eventType,
		Payload:    payload,
		ReceivedAt: l.clock.Now().UTC(),
	}
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, types.ErrWriteConflict) {
			slog.Error("event log write conflict; another writer is appending to this session",
				"session_id", sessionID, "event_id", ev.ID, "error", err)
			sl.loaded = false
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	sl.ring.push(ev)
	sl.touched = l.clock.Now()
	metrics.RecordAppend(string(eventType))
	return ev, nil
}

// Replay returns every committed event with id > since, in increasing order.
// Recent events come from memory; older ones from a storage scan. Unknown
// sessions yield ErrSessionNotFound and leave the log untouched.
func (l *EventLog) Replay(ctx context.Context, sessionID types.SessionID, since types.EventID) ([]*types.Event, error) {
	var bound types.EventID
	if sl, ok := l.lookup(sessionID); ok {
		events, last, hit := sl.ring.since(since)
		if hit && last > 0 {
			metrics.RecordReplay("buffer")
			return events, nil
		}
		bound = last
	}

	if bound == 0 {
		last, err := l.store.LastEventID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if last == 0 {
			return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
		}
		bound = last
	}

	var events []*types.Event
	err := l.store.ScanEvents(ctx, sessionID, since, func(ev *types.Event) error {
		if ev.ID <= bound {
			events = append(events, ev)
		}
		return nil
	})
	if errors.Is(err, types.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	metrics.RecordReplay("storage")
	return events, nil
}

// LastEventID returns the session's committed high-water mark (0 if none).
func (l *EventLog) LastEventID(ctx context.Context, sessionID types.SessionID) (types.EventID, error) {
	if sl, ok := l.lookup(sessionID); ok {
		if last, ready := sl.ring.head(); ready {
			return last, nil
		}
	}
	return l.store.LastEventID(ctx, sessionID)
}

// EvictIdle drops the in-memory state of sessions that have not appended for
// at least idle. Sessions with an append in flight are skipped. Evicted
// sessions reload from storage on next use.
func (l *EventLog) EvictIdle(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, sl := range l.sessions {
		if !sl.mu.TryLock() {
			continue
		}
		if sl.touched.Before(cutoff) {
			sl.evicted = true
			delete(l.sessions, id)
			evicted++
		}
		sl.mu.Unlock()
	}
	return evicted
}

// Resident returns the number of sessions held in memory.
func (l *EventLog) Resident() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
