// Package client consumes agent turns from a burrow server as ordered,
// resumable event streams. A Coordinator drives one turn at a time through
// connect, stream, disconnect and resume, delivering every event exactly
// once and in id order.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// DefaultIdleTimeout is how long a live stream may stay silent, heartbeats
// included, before it is treated as dead.
const DefaultIdleTimeout = 45 * time.Second

// DefaultMaxResumeAttempts bounds consecutive resume attempts that make no
// progress.
const DefaultMaxResumeAttempts = 5

// errGap marks an event id that skipped ahead of the cursor.
var errGap = errors.New("event id gap")

// Handler receives the turn's events in id order, each exactly once.
type Handler func(ev *types.Event)

// Options configures a Coordinator.
type Options struct {
	IdleTimeout       time.Duration
	MaxResumeAttempts int
	Retry             *RetryPolicy

	// OnTransition is called after every state change.
	OnTransition func(from, to State)
}

// Coordinator runs the client side of one turn at a time.
type Coordinator struct {
	env    Environment
	opts   Options
	retry  RetryPolicy
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cursor Cursor
	gaps   int
}

// New creates an idle Coordinator.
func New(env Environment, opts Options) *Coordinator {
	env.withDefaults()
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxResumeAttempts <= 0 {
		opts.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = opts.Retry
	}
	policy := *retry
	policy.MaxAttempts = opts.MaxResumeAttempts

	return &Coordinator{
		env:    env,
		opts:   opts,
		retry:  policy,
		logger: env.Logger,
		state:  Idle,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns a copy of the current cursor.
func (c *Coordinator) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Restore loads the saved cursor of an earlier process so Resume can pick
// the turn up again. It reports whether a cursor was found.
func (c *Coordinator) Restore() (bool, error) {
	if c.env.Cursors == nil {
		return false, nil
	}
	saved, err := c.env.Cursors.Load()
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	if saved == nil || saved.SessionID == "" {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return false, fmt.Errorf("%w: restore while %s", ErrInvalidState, c.state)
	}
	c.cursor = *saved
	return true, nil
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		c.logger.Error("unexpected coordinator transition", "from", from, "to", to)
	}
	c.state = to
	hook := c.opts.OnTransition
	c.mu.Unlock()

	c.logger.Debug("coordinator state", "from", from, "to", to, "session_id", c.Cursor().SessionID)
	if hook != nil {
		hook(from, to)
	}
}

func (c *Coordinator) fail(err error) error {
	c.transition(Failed)
	c.logger.Warn("turn failed", "session_id", c.Cursor().SessionID, "error", err)
	return err
}

func (c *Coordinator) saveCursor(cur Cursor) {
	if c.env.Cursors == nil {
		return
	}
	cur.UpdatedAt = c.env.Clock.Now().UTC()
	if err := c.env.Cursors.Save(&cur); err != nil {
		c.logger.Warn("failed to persist cursor", "session_id", cur.SessionID, "event_id", cur.LastEventID, "error", err)
	}
}

func (c *Coordinator) connect(ctx context.Context) (Endpoint, *API, error) {
	ep, err := c.env.Tunnels.Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open tunnel: %w", err)
	}
	return ep, NewAPI("http://"+ep.LocalAddr().String(), c.env.HTTPClient()), nil
}

// Submit starts a new turn and streams it until its terminal event or the
// first transport failure. After a failure the coordinator is Disconnected
// (the server accepted the turn; call Resume) or Idle (it may not have; the
// turn can be submitted again).
func (c *Coordinator) Submit(ctx context.Context, req *stream.StartRequest, h Handler) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if st := c.State(); st != Idle && !st.Terminal() {
		return fmt.Errorf("%w: submit while %s", ErrInvalidState, st)
	}

	c.transition(Connecting)
	ep, api, err := c.connect(ctx)
	if err != nil {
		c.transition(Idle)
		return err
	}
	resp, err := api.StartStream(ctx, req)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) || errors.Is(err, ErrRejected) {
			return c.fail(err)
		}
		c.transition(Idle)
		return err
	}

	sessionID := types.SessionID(resp.Header.Get(stream.HeaderSessionID))
	c.mu.Lock()
	next := Cursor{
		SessionID: sessionID,
		TurnID:    types.TurnID(resp.Header.Get(stream.HeaderTurnID)),
	}
	if sessionID != "" && sessionID == c.cursor.SessionID {
		next.LastEventID = c.cursor.LastEventID
	}
	c.cursor = next
	c.gaps = 0
	c.mu.Unlock()
	c.saveCursor(next)

	c.logger.Info("turn submitted", "session_id", next.SessionID, "turn_id", next.TurnID)
	return c.follow(ctx, ep, resp, h)
}

// Resume recovers a Disconnected turn: it replays everything after the
// cursor and, unless the turn already finished, continues on the live
// stream.
func (c *Coordinator) Resume(ctx context.Context, h Handler) error {
	st := c.State()
	switch {
	case st == Completed:
		return nil
	case st != Disconnected && st != Idle:
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, st)
	}
	cur := c.Cursor()
	if cur.SessionID == "" {
		return fmt.Errorf("%w: nothing to resume", ErrInvalidState)
	}
	if cur.Completed {
		c.transition(Replaying)
		c.transition(Completed)
		return nil
	}

	c.transition(Replaying)
	return c.replayThenLive(ctx, h)
}

// follow consumes a live stream, falling back to one replay on an id gap.
func (c *Coordinator) follow(ctx context.Context, ep Endpoint, resp *http.Response, h Handler) error {
	err := c.consume(ctx, ep, resp, h)
	if !errors.Is(err, errGap) {
		return err
	}
	return c.repairGap(ctx, err, h)
}

func (c *Coordinator) repairGap(ctx context.Context, gapErr error, h Handler) error {
	c.mu.Lock()
	c.gaps++
	repeated := c.gaps > 1
	c.mu.Unlock()
	if repeated {
		return c.fail(fmt.Errorf("%w: %v", ErrProtocol, gapErr))
	}
	c.logger.Warn("gap in live stream; replaying", "session_id", c.Cursor().SessionID, "error", gapErr)
	c.transition(Replaying)
	return c.replayThenLive(ctx, h)
}

func (c *Coordinator) replayThenLive(ctx context.Context, h Handler) error {
	ep, api, err := c.connect(ctx)
	if err != nil {
		c.transition(Disconnected)
		return err
	}

	cur := c.Cursor()
	events, err := api.Events(ctx, cur.SessionID, cur.LastEventID)
	if err != nil {
		return c.transportFailure(err)
	}
	c.logger.Debug("replayed events", "session_id", cur.SessionID, "since", cur.LastEventID, "count", len(events))
	for _, ev := range events {
		done, err := c.accept(ev, h)
		if err != nil {
			return c.fail(fmt.Errorf("%w: replay: %v", ErrProtocol, err))
		}
		if done {
			c.transition(Completed)
			return nil
		}
	}

	cur = c.Cursor()
	resp, err := api.OpenStream(ctx, cur.SessionID, cur.LastEventID)
	if err != nil {
		return c.transportFailure(err)
	}
	c.transition(Streaming)
	return c.follow(ctx, ep, resp, h)
}

// transportFailure records a failed request: unknown sessions are fatal,
// everything else leaves the turn resumable.
func (c *Coordinator) transportFailure(err error) error {
	if errors.Is(err, types.ErrSessionNotFound) {
		return c.fail(err)
	}
	c.transition(Disconnected)
	return err
}

type frameResult struct {
	frame *stream.Frame
	err   error
}

// consume reads frames until the turn's terminal event, a transport
// failure, or an id gap.
func (c *Coordinator) consume(ctx context.Context, ep Endpoint, resp *http.Response, h Handler) error {
	defer resp.Body.Close()

	frames := make(chan frameResult)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		r := stream.NewReader(resp.Body, c.logger)
		for {
			f, err := r.Next()
			select {
			case frames <- frameResult{f, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := c.env.Clock.Timer(c.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			c.transition(Disconnected)
			return ctx.Err()

		case <-ep.Done():
			c.transition(Disconnected)
			return fmt.Errorf("%w: tunnel closed", ErrDisconnected)

		case <-idle.C:
			c.transition(Disconnected)
			return fmt.Errorf("%w: no frame for %s", ErrTimeout, c.opts.IdleTimeout)

		case fr := <-frames:
			if fr.err != nil {
				c.transition(Disconnected)
				if errors.Is(fr.err, io.EOF) {
					return fmt.Errorf("%w: stream ended before the turn finished", ErrDisconnected)
				}
				return fmt.Errorf("%w: %v", ErrDisconnected, fr.err)
			}
			idle.Reset(c.opts.IdleTimeout)
			if fr.frame.Heartbeat {
				continue
			}
			if c.State() == Connecting {
				c.transition(Streaming)
			}
			done, err := c.accept(fr.frame.Event, h)
			if err != nil {
				return err
			}
			if done {
				c.transition(Completed)
				return nil
			}
		}
	}
}

// accept applies one event to the cursor and hands it to h. It drops
// duplicates, skips events of earlier turns, and rejects gaps. It reports
// whether the event ended the turn.
func (c *Coordinator) accept(ev *types.Event, h Handler) (bool, error) {
	c.mu.Lock()
	cur := c.cursor
	if cur.SessionID == "" {
		cur.SessionID = ev.SessionID
	}
	if ev.SessionID != cur.SessionID {
		c.mu.Unlock()
		c.logger.Warn("dropping event of another session", "session_id", cur.SessionID, "event_session_id", ev.SessionID, "event_id", ev.ID)
		return false, nil
	}
	if ev.ID <= cur.LastEventID {
		c.mu.Unlock()
		c.logger.Debug("dropping duplicate event", "session_id", cur.SessionID, "event_id", ev.ID)
		return false, nil
	}

	deliver := true
	switch {
	case !cur.TurnStarted && c.ownsInit(cur, ev):
		cur.TurnStarted = true
	case !cur.TurnStarted:
		deliver = false
	case ev.ID != cur.LastEventID+1:
		c.mu.Unlock()
		return false, fmt.Errorf("%w: expected event %d, got %d", errGap, cur.LastEventID+1, ev.ID)
	}

	cur.LastEventID = ev.ID
	done := deliver && ev.Terminal()
	cur.Completed = done
	c.cursor = cur
	c.mu.Unlock()

	c.saveCursor(cur)
	if deliver {
		h(ev)
	}
	return done, nil
}

// ownsInit reports whether ev opens the cursor's turn. Without a known turn
// id every event belongs to it.
func (c *Coordinator) ownsInit(cur Cursor, ev *types.Event) bool {
	if cur.TurnID == "" {
		return true
	}
	if ev.Type != types.EventSystem {
		return false
	}
	msg, err := stream.Decode(ev)
	if err != nil {
		return false
	}
	sys, ok := msg.(*stream.SystemMessage)
	return ok && sys.TurnID == cur.TurnID
}

// Run submits req and keeps resuming through transport failures until the
// turn completes. It gives up after MaxResumeAttempts consecutive attempts
// without progress; an unknown session or a protocol violation ends it at
// once.
func (c *Coordinator) Run(ctx context.Context, req *stream.StartRequest, h Handler) error {
	return c.retryLoop(ctx, c.Submit(ctx, req, h), func() error {
		if c.State() == Idle {
			return c.Submit(ctx, req, h)
		}
		return c.Resume(ctx, h)
	})
}

// ResumeRun is Run for a turn restored from a saved cursor.
func (c *Coordinator) ResumeRun(ctx context.Context, h Handler) error {
	return c.retryLoop(ctx, c.Resume(ctx, h), func() error {
		return c.Resume(ctx, h)
	})
}

func (c *Coordinator) retryLoop(ctx context.Context, err error, again func() error) error {
	attempt := 0
	progress := c.Cursor().LastEventID
	for err != nil {
		attempt++
		if !c.retry.ShouldRetry(err, attempt) {
			if isRetryable(err) {
				return fmt.Errorf("giving up after %d resume attempts: %w", attempt-1, err)
			}
			return err
		}
		c.logger.Info("stream interrupted; retrying",
			"session_id", c.Cursor().SessionID, "attempt", attempt, "state", c.State(), "error", err)
		if err := c.retry.Sleep(ctx, c.env.Clock, attempt); err != nil {
			return err
		}

		err = again()
		if last := c.Cursor().LastEventID; last > progress {
			progress = last
			attempt = 0
		}
	}
	return nil
}
