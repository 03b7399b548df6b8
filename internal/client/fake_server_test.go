package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

const (
	testSession = types.SessionID("5b2c1f0e-8d3a-4e6b-9f70-2a1c4d5e6f70")
	testTurn    = types.TurnID("t1")
)

type heartbeat struct{}

// hold keeps the response open until the client goes away.
type hold struct{}

func encode(t *testing.T, id types.EventID, msg stream.Message) *types.Event {
	t.Helper()
	typ, payload, err := stream.Encode(msg)
	require.NoError(t, err)
	return &types.Event{ID: id, SessionID: testSession, Type: typ, Payload: payload}
}

func initEvent(t *testing.T, id types.EventID, turn types.TurnID) *types.Event {
	return encode(t, id, &stream.SystemMessage{Subtype: "init", SessionID: testSession, TurnID: turn})
}

func textEvent(t *testing.T, id types.EventID) *types.Event {
	return encode(t, id, &stream.AssistantMessage{Content: []stream.ContentBlock{{Type: stream.BlockText, Text: "part"}}})
}

func resultEvent(t *testing.T, id types.EventID, turn types.TurnID) *types.Event {
	return encode(t, id, &stream.ResultMessage{Subtype: "success", TurnID: turn, Result: "ok"})
}

// turnEvents returns init, n assistant parts and a result, numbered from 1.
func turnEvents(t *testing.T, n int) []*types.Event {
	events := []*types.Event{initEvent(t, 1, testTurn)}
	for i := 0; i < n; i++ {
		events = append(events, textEvent(t, types.EventID(i+2)))
	}
	return append(events, resultEvent(t, types.EventID(n+2), testTurn))
}

// fakeServer scripts the server side of the protocol.
type fakeServer struct {
	t *testing.T

	mu           sync.Mutex
	post         []any
	postStatus   int
	log          []*types.Event
	eventsStatus int
	live         [][]any
	liveCursors  []string
	replays      int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/stream", f.handlePost)
	mux.HandleFunc("GET /v1/sessions/{id}/events", f.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", f.handleLive)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeServer) env(ts *httptest.Server) Environment {
	return Environment{Tunnels: Direct(strings.TrimPrefix(ts.URL, "http://"))}
}

func (f *fakeServer) handlePost(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, script := f.postStatus, f.post
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, `{"error":"scripted"}`, status)
		return
	}
	w.Header().Set(stream.HeaderSessionID, string(testSession))
	w.Header().Set(stream.HeaderTurnID, string(testTurn))
	f.write(w, r, script)
}

func (f *fakeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.replays++
	status, log := f.eventsStatus, f.log
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, `{"error":"scripted"}`, status)
		return
	}
	since, err := types.ParseEventID(r.URL.Query().Get("since"))
	require.NoError(f.t, err)

	w.Header().Set("Content-Type", stream.ContentTypeNDJSON)
	rw := stream.NewRecordWriter(w)
	for _, ev := range log {
		if ev.ID > since {
			require.NoError(f.t, rw.Write(ev))
		}
	}
}

func (f *fakeServer) handleLive(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.liveCursors = append(f.liveCursors, r.Header.Get(stream.HeaderLastEventID))
	var script []any
	if len(f.live) > 0 {
		script, f.live = f.live[0], f.live[1:]
	}
	f.mu.Unlock()
	f.write(w, r, script)
}

func (f *fakeServer) write(w http.ResponseWriter, r *http.Request, script []any) {
	w.Header().Set("Content-Type", stream.ContentTypeEventStream)
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()
	for _, item := range script {
		switch v := item.(type) {
		case *types.Event:
			stream.WriteEvent(w, v)
		case heartbeat:
			stream.WriteHeartbeat(w)
		case hold:
			<-r.Context().Done()
			return
		}
		flusher.Flush()
	}
}

func (f *fakeServer) liveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.liveCursors...)
}

func (f *fakeServer) replayCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replays
}

func items(events ...*types.Event) []any {
	out := make([]any, len(events))
	for i, ev := range events {
		out[i] = ev
	}
	return out
}
