package driver

import (
	"sync"

	"github.com/samber/lo"

	"github.com/user/burrow/internal/metrics"
	"github.com/user/burrow/internal/types"
)

// DefaultSubscriberBuffer is how many events a live subscriber may fall
// behind before it is dropped.
const DefaultSubscriberBuffer = 256

// Hub fans committed events out to live subscribers of a session.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[types.SessionID]map[*Subscription]struct{}
}

// Subscription receives the live events of one session. If the subscriber
// cannot keep up its channel is closed and Dropped reports true; the reader
// is expected to catch up through replay.
type Subscription struct {
	hub       *Hub
	sessionID types.SessionID
	ch        chan *types.Event
	once      sync.Once
	dropped   bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[types.SessionID]map[*Subscription]struct{}),
	}
}

// Subscribe registers a live subscriber for the session.
func (h *Hub) Subscribe(sessionID types.SessionID) *Subscription {
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan *types.Event, h.buffer),
	}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	metrics.AddLiveSubscribers(1)
	return sub
}

// Publish delivers ev to every subscriber of its session without blocking.
func (h *Hub) Publish(ev *types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			h.removeLocked(sub)
			metrics.RecordSubscriberDropped()
		}
	}
}

// Subscribers returns the number of live subscribers of the session.
func (h *Hub) Subscribers(sessionID types.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Sessions returns the sessions that currently have live subscribers.
func (h *Hub) Sessions() []types.SessionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.subs)
}

func (h *Hub) removeLocked(sub *Subscription) {
	set := h.subs[sub.sessionID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	sub.once.Do(func() { close(sub.ch) })
	metrics.AddLiveSubscribers(-1)
}

// Events returns the channel of live events. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan *types.Event {
	return s.ch
}

// Dropped reports whether the hub ended the subscription because the reader
// fell behind. Only meaningful after Events is closed.
func (s *Subscription) Dropped() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.dropped
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
