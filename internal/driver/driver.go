// Package driver runs agent turns. It turns each unit of a computation's
// output into an event in the session's log and pushes it to live
// subscribers as soon as it is committed.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/burrow/internal/metrics"
	"github.com/user/burrow/internal/state"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// Options configures a Driver.
type Options struct {
	MaxConcurrent    int64
	QueueDepth       int
	SubscriberBuffer int
	Clock            clock.Clock
}

// Driver accepts turns, runs them one at a time per session, and records
// their output.
type Driver struct {
	log         *state.EventLog
	store       types.Store
	hub         *Hub
	queue       *Queue
	computation Computation
	clock       clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	turns map[types.TurnID]*Turn
}

// New creates a Driver that appends to log and runs turns with computation.
func New(log *state.EventLog, computation Computation, opts Options) *Driver {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	d := &Driver{
		log:         log,
		store:       log.Store(),
		hub:         NewHub(opts.SubscriberBuffer),
		queue:       NewQueue(opts.MaxConcurrent, opts.QueueDepth),
		computation: computation,
		clock:       opts.Clock,
		turns:       make(map[types.TurnID]*Turn),
	}
	d.queue.SetProcessor(d.process)
	d.queue.SetAbandonHandler(d.abandon)
	return d
}

// Hub returns the live-event hub.
func (d *Driver) Hub() *Hub {
	return d.hub
}

// Log returns the event log the driver appends to.
func (d *Driver) Log() *state.EventLog {
	return d.log
}

// Launch starts processing queued turns. Turns run on ctx, never on the
// context of the request that started them.
func (d *Driver) Launch(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.queue.Start(d.ctx)
}

// Stop cancels running turns and waits for them to record their terminal
// event. Turns still queued are closed with an "interrupted" error event.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.queue.Stop()
}

// Start resolves or creates the request's session and queues a turn for it.
// It returns types.ErrSessionNotFound for an unknown session_id and
// ErrQueueFull when the session has too many turns waiting.
func (d *Driver) Start(ctx context.Context, req *stream.StartRequest) (*Turn, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if d.ctx == nil {
		return nil, errors.New("driver is not running")
	}

	session, err := d.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	cursor, err := d.log.LastEventID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	turn := &Turn{
		ID:           types.NewTurnID(),
		SessionID:    session.ID,
		Text:         req.Text,
		AllowedTools: session.AllowedTools,
		Cwd:          session.Cwd,
		Model:        session.Model,
		CreatedAt:    d.clock.Now(),
		Cursor:       cursor,
	}
	if req.AllowedTools != nil {
		turn.AllowedTools = req.AllowedTools
	}
	if req.Cwd != "" {
		turn.Cwd = req.Cwd
	}
	if req.Model != "" {
		turn.Model = req.Model
	}
	turn.ctx, turn.cancel = context.WithCancel(d.ctx)

	d.mu.Lock()
	d.turns[turn.ID] = turn
	d.mu.Unlock()

	if err := d.queue.Enqueue(turn); err != nil {
		d.forget(turn)
		return nil, err
	}
	slog.Info("turn queued", "turn_id", turn.ID, "session_id", turn.SessionID, "cursor", cursor)
	return turn, nil
}

func (d *Driver) resolveSession(ctx context.Context, req *stream.StartRequest) (*types.Session, error) {
	if req.SessionID != "" {
		session, err := d.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		return session, nil
	}
	session := &types.Session{
		ID:           types.NewSessionID(),
		Cwd:          req.Cwd,
		AllowedTools: req.AllowedTools,
		Model:        req.Model,
	}
	if err := d.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("session created", "session_id", session.ID)
	return session, nil
}

// Cancel cancels a queued or running turn. A running turn ends with an
// error event carrying code "cancelled"; a queued one is skipped.
func (d *Driver) Cancel(turnID types.TurnID) bool {
	d.mu.Lock()
	turn, ok := d.turns[turnID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	turn.cancel()
	return true
}

// Running reports whether the session has queued or running turns.
func (d *Driver) Running(sessionID types.SessionID) bool {
	return d.queue.Pending(sessionID) > 0
}

func (d *Driver) forget(turn *Turn) {
	turn.cancel()
	d.mu.Lock()
	delete(d.turns, turn.ID)
	d.mu.Unlock()
}

// append records msg and publishes the committed event.
func (d *Driver) append(ctx context.Context, sessionID types.SessionID, msg stream.Message) (*types.Event, error) {
	typ, payload, err := stream.Encode(msg)
	if err != nil {
		return nil, err
	}
	ev, err := d.log.Append(ctx, sessionID, typ, payload)
	if err != nil {
		return nil, err
	}
	d.hub.Publish(ev)
	return ev, nil
}

// process runs one dequeued turn to its terminal event.
func (d *Driver) process(turn *Turn) {
	defer d.forget(turn)

	if d.ctx.Err() != nil {
		d.closeUnrun(turn)
		return
	}
	if turn.ctx.Err() != nil {
		slog.Info("skipping cancelled turn", "turn_id", turn.ID, "session_id", turn.SessionID)
		return
	}

	started := d.clock.Now()
	logger := slog.With("turn_id", turn.ID, "session_id", turn.SessionID)
	logger.Info("turn started")

	// Terminal events are written even when the turn's context is done.
	persist := context.WithoutCancel(turn.ctx)

	outcome, err := d.run(turn, logger)

	var final stream.Message
	var label string
	switch {
	case err == nil:
		label = "success"
		result := &stream.ResultMessage{
			Subtype:    "success",
			TurnID:     turn.ID,
			DurationMS: d.clock.Since(started).Milliseconds(),
		}
		if outcome != nil {
			result.Result = outcome.Result
			result.NumRounds = outcome.NumRounds
			result.Usage = outcome.Usage
		}
		final = result
	case d.ctx.Err() != nil:
		label = stream.CodeInterrupted
		final = &stream.ErrorMessage{Code: stream.CodeInterrupted, Message: "server shutting down", TurnID: turn.ID}
	case turn.ctx.Err() != nil:
		label = stream.CodeCancelled
		final = &stream.ErrorMessage{Code: stream.CodeCancelled, Message: "turn cancelled", TurnID: turn.ID}
	default:
		label = stream.CodeComputationFailed
		final = &stream.ErrorMessage{Code: stream.CodeComputationFailed, Message: err.Error(), TurnID: turn.ID}
	}

	ev, appendErr := d.append(persist, turn.SessionID, final)
	if appendErr != nil {
		logger.Error("failed to record terminal event", "error", appendErr)
		label = "lost"
	} else {
		logger.Info("turn finished", "outcome", label, "event_id", ev.ID, "error", err)
	}
	metrics.RecordTurn(label, d.clock.Since(started))
}

// abandon closes a turn the queue dropped at shutdown.
func (d *Driver) abandon(turn *Turn) {
	defer d.forget(turn)
	d.closeUnrun(turn)
}

// closeUnrun records a turn that never ran as its init event followed by an
// "interrupted" error event, so clients waiting on it reach a terminal event.
func (d *Driver) closeUnrun(turn *Turn) {
	logger := slog.With("turn_id", turn.ID, "session_id", turn.SessionID)
	persist := context.WithoutCancel(turn.ctx)
	if _, err := d.append(persist, turn.SessionID, initMessage(turn)); err != nil {
		logger.Error("failed to record init of interrupted turn", "error", err)
		metrics.RecordTurn("lost", 0)
		return
	}
	final := &stream.ErrorMessage{Code: stream.CodeInterrupted, Message: "server shutting down", TurnID: turn.ID}
	ev, err := d.append(persist, turn.SessionID, final)
	if err != nil {
		logger.Error("failed to record terminal event", "error", err)
		metrics.RecordTurn("lost", 0)
		return
	}
	logger.Info("turn closed before it ran", "outcome", stream.CodeInterrupted, "event_id", ev.ID)
	metrics.RecordTurn(stream.CodeInterrupted, 0)
}

func initMessage(turn *Turn) *stream.SystemMessage {
	return &stream.SystemMessage{
		Subtype:   "init",
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		Cwd:       turn.Cwd,
		Tools:     turn.AllowedTools,
		Model:     turn.Model,
	}
}

func (d *Driver) run(turn *Turn, logger *slog.Logger) (*Outcome, error) {
	if _, err := d.append(turn.ctx, turn.SessionID, initMessage(turn)); err != nil {
		return nil, fmt.Errorf("record init: %w", err)
	}
	input := &stream.UserMessage{Content: []stream.ContentBlock{{Type: stream.BlockText, Text: turn.Text}}}
	if _, err := d.append(turn.ctx, turn.SessionID, input); err != nil {
		return nil, fmt.Errorf("record input: %w", err)
	}

	outcome, err := d.computation.Run(turn.ctx, turn, &emitter{d: d, turn: turn})
	if err != nil {
		logger.Warn("computation failed", "error", err)
	}
	return outcome, err
}

type emitter struct {
	d    *Driver
	turn *Turn
}

func (e *emitter) Emit(ctx context.Context, msg stream.Message) error {
	if msg.Type().Terminal() {
		return fmt.Errorf("computation emitted terminal %s message", msg.Type())
	}
	_, err := e.d.append(ctx, e.turn.SessionID, msg)
	return err
}

// RecoverInterrupted closes turns that were cut off by a crash: any session
// whose last event is not terminal gets an error event with code
// "interrupted". Call it before Launch. It returns the number of sessions
// repaired.
func (d *Driver) RecoverInterrupted(ctx context.Context) (int, error) {
	sessions, err := d.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	repaired := 0
	for _, session := range sessions {
		last, err := d.log.LastEventID(ctx, session.ID)
		if err != nil {
			return repaired, err
		}
		if last == 0 {
			continue
		}
		events, err := d.log.Replay(ctx, session.ID, last-1)
		if err != nil {
			return repaired, fmt.Errorf("load last event of %s: %w", session.ID, err)
		}
		if len(events) == 0 || events[len(events)-1].Terminal() {
			continue
		}
		msg := &stream.ErrorMessage{Code: stream.CodeInterrupted, Message: "turn interrupted by server restart"}
		ev, err := d.append(ctx, session.ID, msg)
		if err != nil {
			return repaired, fmt.Errorf("close interrupted turn of %s: %w", session.ID, err)
		}
		slog.Warn("closed interrupted turn", "session_id", session.ID, "event_id", ev.ID)
		repaired++
	}
	return repaired, nil
}

// WaitIdle waits up to timeout for running turns to finish.
func (d *Driver) WaitIdle(timeout time.Duration) bool {
	return d.queue.WaitIdle(timeout)
}
