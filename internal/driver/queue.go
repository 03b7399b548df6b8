package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/burrow/internal/types"
)

// ErrQueueFull is returned when a session already has as many turns waiting
// as its lane can hold.
var ErrQueueFull = errors.New("turn queue full")

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that turns within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent turns across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Turn
	pending   map[types.SessionID]int
	depth     int
	semaphore *semaphore.Weighted
	processor func(*Turn)
	abandoned func(*Turn)
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously, with at most depth turns waiting per session.
func NewQueue(maxConcurrent int64, depth int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if depth <= 0 {
		depth = 100
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Turn),
		pending:   make(map[types.SessionID]int),
		depth:     depth,
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// turns to finish. Turns still waiting in a lane go to the abandon handler.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a turn to its session's lane, creating the lane (and its
// goroutine) on first use.
func (q *Queue) Enqueue(turn *Turn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return errors.New("queue is not running")
	}

	lane, exists := q.lanes[turn.SessionID]
	if !exists {
		lane = make(chan *Turn, q.depth)
		q.lanes[turn.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- turn:
		q.pending[turn.SessionID]++
		return nil
	default:
		return fmt.Errorf("session %s: %w", turn.SessionID, ErrQueueFull)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This keeps strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(lane chan *Turn) {
	defer q.wg.Done()
	for {
		select {
		case turn, ok := <-lane:
			if !ok {
				return
			}
			q.run(turn)
		case <-q.ctx.Done():
			// Enqueue refuses new turns once the context is done, and Stop
			// closes the lane, so this ends.
			for turn := range lane {
				q.abandon(turn)
			}
			return
		}
	}
}

func (q *Queue) run(turn *Turn) {
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		q.abandon(turn)
		return
	}
	defer q.done(turn.SessionID)
	defer q.semaphore.Release(1)

	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)
	q.processor(turn)
}

// abandon hands a turn that will never run to the abandon handler.
func (q *Queue) abandon(turn *Turn) {
	defer q.done(turn.SessionID)
	slog.Warn("turn dropped at shutdown", "turn_id", turn.ID, "session_id", turn.SessionID)
	if q.abandoned != nil {
		q.abandoned(turn)
	}
}

func (q *Queue) done(sessionID types.SessionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[sessionID]--; q.pending[sessionID] <= 0 {
		delete(q.pending, sessionID)
	}
}

// Pending returns the number of queued or running turns of the session.
func (q *Queue) Pending(sessionID types.SessionID) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pending[sessionID]
}

// WaitIdle blocks until no turns are actively being processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued turn.
func (q *Queue) SetProcessor(fn func(*Turn)) {
	q.processor = fn
}

// SetAbandonHandler sets the function invoked for each turn dropped because
// the queue stopped before it could run.
func (q *Queue) SetAbandonHandler(fn func(*Turn)) {
	q.abandoned = fn
}
