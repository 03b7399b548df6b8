package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/user/burrow/internal/driver"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// follower writes one session's events to a client in id order. cursor is
// the highest id already handled, whether written or skipped.
type follower struct {
	w       http.ResponseWriter
	flusher http.Flusher
	cursor  types.EventID
	accept  func(*types.Event) bool
	done    bool
}

func (f *follower) handle(ev *types.Event) error {
	if ev.ID <= f.cursor {
		return nil
	}
	f.cursor = ev.ID
	if f.accept != nil && !f.accept(ev) {
		return nil
	}
	if err := stream.WriteEvent(f.w, ev); err != nil {
		return err
	}
	f.flusher.Flush()
	if ev.Terminal() {
		f.done = true
	}
	return nil
}

func openEventStream(w http.ResponseWriter, sessionID types.SessionID) http.Flusher {
	h := w.Header()
	h.Set("Content-Type", stream.ContentTypeEventStream)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(stream.HeaderSessionID, string(sessionID))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher == nil {
		flusher = nopFlusher{}
	}
	flusher.Flush()
	return flusher
}

type nopFlusher struct{}

func (nopFlusher) Flush() {}

// catchUp writes every committed event after the follower's cursor. A
// session with no events yet is not an error here.
func (s *Server) catchUp(ctx context.Context, f *follower, sessionID types.SessionID) error {
	events, err := s.log.Replay(ctx, sessionID, f.cursor)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("replay: %w", err)
	}
	for _, ev := range events {
		if err := f.handle(ev); err != nil {
			return err
		}
		if f.done {
			return nil
		}
	}
	return nil
}

// follow streams the session from the follower's cursor: first what the log
// already holds, then live events, until a terminal event is written, the
// session has nothing left to run, or the client goes away.
//
// sub must have been taken before the call so nothing committed in between
// is missed; duplicates are filtered by id.
func (s *Server) follow(ctx context.Context, f *follower, sub *driver.Subscription, sessionID types.SessionID) error {
	defer func() { sub.Close() }()

	if err := s.catchUp(ctx, f, sessionID); err != nil {
		return err
	}

	ticker := s.opts.Clock.Ticker(s.opts.Heartbeat)
	defer ticker.Stop()

	for !f.done {
		if !s.driver.Running(sessionID) {
			// Nothing queued or running: whatever is left is in the log.
			return s.catchUp(ctx, f, sessionID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					slog.Warn("live subscriber fell behind; catching up from the log",
						"session_id", sessionID, "event_id", f.cursor)
				} else {
					slog.Debug("live subscription ended; resubscribing",
						"session_id", sessionID, "event_id", f.cursor)
				}
				sub = s.hub.Subscribe(sessionID)
				if err := s.catchUp(ctx, f, sessionID); err != nil {
					return err
				}
				continue
			}
			if ev.ID > f.cursor+1 {
				if err := s.catchUp(ctx, f, sessionID); err != nil {
					return err
				}
				continue
			}
			if err := f.handle(ev); err != nil {
				return err
			}

		case <-ticker.C:
			if err := stream.WriteHeartbeat(f.w); err != nil {
				return err
			}
			f.flusher.Flush()
		}
	}
	return nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := stream.DecodeStartRequest(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := s.driver.Start(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("start turn failed", "session_id", req.SessionID, "error", err)
			writeError(w, status, "internal server error")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	sub := s.hub.Subscribe(turn.SessionID)
	w.Header().Set(stream.HeaderTurnID, string(turn.ID))
	flusher := openEventStream(w, turn.SessionID)

	// Events after the cursor may still belong to an earlier turn of the
	// session; the stream starts at this turn's init event.
	started := false
	f := &follower{
		w:       w,
		flusher: flusher,
		cursor:  turn.Cursor,
		accept: func(ev *types.Event) bool {
			if started {
				return true
			}
			if ev.Type != types.EventSystem {
				return false
			}
			msg, err := stream.Decode(ev)
			if err != nil {
				return false
			}
			if sys, ok := msg.(*stream.SystemMessage); ok && sys.TurnID == turn.ID {
				started = true
			}
			return started
		},
	}

	logger := slog.With("session_id", turn.SessionID, "turn_id", turn.ID)
	err = s.follow(r.Context(), f, sub, turn.SessionID)
	switch {
	case f.done:
		logger.Debug("turn stream complete", "event_id", f.cursor)
	case r.Context().Err() != nil:
		logger.Info("client disconnected before turn finished", "event_id", f.cursor)
		if s.opts.CancelOnDisconnect {
			s.driver.Cancel(turn.ID)
		}
	case err != nil:
		logger.Warn("turn stream ended", "event_id", f.cursor, "error", err)
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, err := stream.ParseResumeRequest(r.PathValue("session_id"), r.Header.Get(stream.HeaderLastEventID))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.GetSession(r.Context(), req.SessionID); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("resume lookup failed", "session_id", req.SessionID, "error", err)
			writeError(w, status, "internal server error")
			return
		}
		writeError(w, status, "session not found")
		return
	}

	sub := s.hub.Subscribe(req.SessionID)
	flusher := openEventStream(w, req.SessionID)
	f := &follower{w: w, flusher: flusher, cursor: req.LastEventID}

	if err := s.follow(r.Context(), f, sub, req.SessionID); err != nil && r.Context().Err() == nil {
		slog.Warn("resumed stream ended", "session_id", req.SessionID, "event_id", f.cursor, "error", err)
	}
}
