package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// API is a thin HTTP client for the burrow server.
type API struct {
	base string
	http *http.Client
}

// NewAPI returns an API talking to the server at base (e.g.
// "http://127.0.0.1:40123").
func NewAPI(base string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &API{base: strings.TrimRight(base, "/"), http: httpClient}
}

// SessionInfo is one entry of the session listing.
type SessionInfo struct {
	SessionID    types.SessionID `json:"session_id"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	Cwd          string          `json:"cwd,omitempty"`
	AllowedTools []string        `json:"allowed_tools,omitempty"`
	Model        string          `json:"model,omitempty"`
	EventCount   int64           `json:"event_count"`
	Running      bool            `json:"running"`
	Subscribers  int             `json:"subscribers"`
}

// StartStream posts a stream-start request. On success the caller owns the
// response body, which carries the turn's event stream.
func (a *API) StartStream(ctx context.Context, req *stream.StartRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1/agent/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", stream.ContentTypeEventStream)
	return a.do(httpReq)
}

// OpenStream opens the live stream of a session, resuming after lastEventID.
func (a *API) OpenStream(ctx context.Context, sessionID types.SessionID, lastEventID types.EventID) (*http.Response, error) {
	u := a.base + "/v1/sessions/" + url.PathEscape(string(sessionID)) + "/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", stream.ContentTypeEventStream)
	httpReq.Header.Set(stream.HeaderLastEventID, lastEventID.String())
	return a.do(httpReq)
}

// Events replays the session's events with id > since.
func (a *API) Events(ctx context.Context, sessionID types.SessionID, since types.EventID) ([]*types.Event, error) {
	u := a.base + "/v1/sessions/" + url.PathEscape(string(sessionID)) + "/events?since=" + since.String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []*types.Event
	err = stream.ReadRecords(resp.Body, func(ev *types.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read replay: %v", ErrDisconnected, err)
	}
	return events, nil
}

// Sessions lists the server's sessions.
func (a *API) Sessions(ctx context.Context) ([]SessionInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// do sends the request and maps failures onto the client's sentinel errors.
// A non-2xx response is consumed and closed.
func (a *API) do(req *http.Request) (*http.Response, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, body.Error)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrRejected, body.Error)
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrBusy, body.Error)
	default:
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
}
