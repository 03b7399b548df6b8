package state

import (
	"sync"

	"github.com/user/burrow/internal/types"
)

// ring holds the most recent committed events of one session. It also tracks
// the committed high-water mark so readers get a consistent view of both.
type ring struct {
	mu    sync.RWMutex
	buf   []*types.Event
	start int
	n     int
	last  types.EventID
	ready bool
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]*types.Event, capacity)}
}

// reset seeds the ring after loading a session from storage. tail must be the
// newest events in increasing order, ending at last.
func (r *ring) reset(last types.EventID, tail []*types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.n = 0, 0
	for i := range r.buf {
		r.buf[i] = nil
	}
	for _, ev := range tail {
		r.pushLocked(ev)
	}
	r.last = last
	r.ready = true
}

func (r *ring) push(ev *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushLocked(ev)
	r.last = ev.ID
}

func (r *ring) pushLocked(ev *types.Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// head returns the committed high-water mark and whether the ring has been
// seeded from storage.
func (r *ring) head() (types.EventID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.ready
}

func (r *ring) lastID() types.EventID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// since returns the buffered events with id > since. ok is false when the
// buffer does not reach back far enough and the caller must go to storage.
func (r *ring) since(since types.EventID) (events []*types.Event, last types.EventID, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, r.last, false
	}
	if since >= r.last {
		return nil, r.last, true
	}
	if r.n == 0 || since < r.buf[r.start].ID-1 {
		return nil, r.last, false
	}
	events = make([]*types.Event, 0, int(r.last-since))
	for i := 0; i < r.n; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.ID > since {
			events = append(events, ev)
		}
	}
	return events, r.last, true
}
