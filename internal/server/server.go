// Package server exposes the agent backend over HTTP: turn streams, replay,
// resume and session listing. It only ever listens on loopback; remote
// clients come in through an SSH tunnel.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/user/burrow/internal/driver"
	"github.com/user/burrow/internal/metrics"
	"github.com/user/burrow/internal/state"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// DefaultHeartbeat is the interval between heartbeat frames on idle streams.
const DefaultHeartbeat = 15 * time.Second

// Options configures a Server.
type Options struct {
	Heartbeat          time.Duration
	CancelOnDisconnect bool
	Clock              clock.Clock
}

// Server is the HTTP handler of the agent backend.
type Server struct {
	driver *driver.Driver
	log    *state.EventLog
	store  types.Store
	hub    *driver.Hub
	opts   Options
	mux    *http.ServeMux
}

// NewServer creates a Server that starts turns on d.
func NewServer(d *driver.Driver, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Server{
		driver: d,
		log:    d.Log(),
		store:  d.Log().Store(),
		hub:    d.Hub(),
		opts:   opts,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /v1/agent/stream", s.handleStart)
	s.mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /v1/sessions/{session_id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/sessions/{session_id}/stream", s.handleResume)
	return s
}

// ServeHTTP delegates to the internal mux, recording request metrics.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
}

// statusRecorder captures the response status. It passes Flush through so
// event streams keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrMissingText), errors.Is(err, stream.ErrMissingSessionID),
		errors.Is(err, types.ErrInvalidSessionID):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, driver.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sessions":      s.log.Resident(),
		"live_sessions": len(s.hub.Sessions()),
	})
}

type sessionResponse struct {
	SessionID    string   `json:"session_id"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	Cwd          string   `json:"cwd,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Model        string   `json:"model,omitempty"`
	EventCount   int64    `json:"event_count"`
	Running      bool     `json:"running"`
	Subscribers  int      `json:"subscribers"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := lo.Map(sessions, func(sess *types.Session, _ int) sessionResponse {
		// Ids are contiguous from 1, so the last id is the event count.
		last, err := s.log.LastEventID(ctx, sess.ID)
		if err != nil {
			slog.Warn("count events failed", "session_id", sess.ID, "error", err)
		}
		return sessionResponse{
			SessionID:    string(sess.ID),
			CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
			Cwd:          sess.Cwd,
			AllowedTools: sess.AllowedTools,
			Model:        sess.Model,
			EventCount:   int64(last),
			Running:      s.driver.Running(sess.ID),
			Subscribers:  s.hub.Subscribers(sess.ID),
		}
	})

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, err := types.ParseSessionID(r.PathValue("session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, err := types.ParseEventID(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}

	events, err := s.log.Replay(r.Context(), sessionID, since)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("replay failed", "session_id", sessionID, "since", since, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", stream.ContentTypeNDJSON)
	w.Header().Set(stream.HeaderSessionID, string(sessionID))
	rw := stream.NewRecordWriter(w)
	for _, ev := range events {
		if err := rw.Write(ev); err != nil {
			slog.Debug("replay client went away", "session_id", sessionID, "error", err)
			return
		}
	}
}
