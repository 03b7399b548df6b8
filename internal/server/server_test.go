package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/burrow/internal/driver"
	"github.com/user/burrow/internal/metrics"
	"github.com/user/burrow/internal/state"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
)

// gated emits n assistant messages, waits for release, then emits one more.
func gated(n int, release <-chan struct{}) driver.ComputationFunc {
	return func(ctx context.Context, turn *driver.Turn, emit driver.Emitter) (*driver.Outcome, error) {
		say := func(text string) error {
			return emit.Emit(ctx, &stream.AssistantMessage{Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}}})
		}
		for i := 0; i < n; i++ {
			if err := say("part"); err != nil {
				return nil, err
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := say("done"); err != nil {
			return nil, err
		}
		return &driver.Outcome{Result: "done", NumRounds: 1}, nil
	}
}

func echo(ctx context.Context, turn *driver.Turn, emit driver.Emitter) (*driver.Outcome, error) {
	msg := &stream.AssistantMessage{Content: []stream.ContentBlock{{Type: stream.BlockText, Text: "echo: " + turn.Text}}}
	if err := emit.Emit(ctx, msg); err != nil {
		return nil, err
	}
	return &driver.Outcome{Result: "echo: " + turn.Text, NumRounds: 1}, nil
}

func setupServer(t *testing.T, comp driver.Computation, opts Options, dopts driver.Options) (*Server, *driver.Driver) {
	t.Helper()
	log := state.NewEventLog(state.NewFileStore(t.TempDir()))
	if dopts.MaxConcurrent == 0 {
		dopts.MaxConcurrent = 2
	}
	d := driver.New(log, comp, dopts)
	d.Launch(context.Background())
	t.Cleanup(d.Stop)
	return NewServer(d, opts), d
}

func waitLastID(t *testing.T, d *driver.Driver, sessionID types.SessionID, want types.EventID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		last, err := d.Log().LastEventID(context.Background(), sessionID)
		if err == nil && last >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached event %d", sessionID, want)
}

// readEvents reads frames until EOF, returning the events and the number of
// heartbeats seen.
func readEvents(t *testing.T, body io.Reader) ([]*types.Event, int) {
	t.Helper()
	r := stream.NewReader(body, slog.Default())
	var events []*types.Event
	heartbeats := 0
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, heartbeats
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Heartbeat {
			heartbeats++
			continue
		}
		events = append(events, frame.Event)
	}
}

func postStream(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/agent/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if resp["live_sessions"] != float64(0) {
		t.Errorf("expected no live sessions, got %v", resp["live_sessions"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Init()
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})

	// One request first so the request counter has a sample.
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "burrow_") {
		t.Errorf("expected burrow metrics in exposition, got:\n%s", w.Body.String())
	}
}

func TestStartStreamsTurn(t *testing.T) {
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := postStream(t, ts.URL, `{"text":"hi","cwd":"/srv"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != stream.ContentTypeEventStream {
		t.Errorf("expected content type %s, got %s", stream.ContentTypeEventStream, ct)
	}
	sessionID := resp.Header.Get(stream.HeaderSessionID)
	if sessionID == "" {
		t.Fatal("expected session id header")
	}

	events, _ := readEvents(t, resp.Body)
	want := []types.EventType{types.EventSystem, types.EventUser, types.EventAssistant, types.EventResult}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.ID != types.EventID(i+1) {
			t.Errorf("event %d: expected id %d, got %d", i, i+1, ev.ID)
		}
		if ev.Type != want[i] {
			t.Errorf("event %d: expected type %s, got %s", i, want[i], ev.Type)
		}
		if string(ev.SessionID) != sessionID {
			t.Errorf("event %d: expected session %s, got %s", i, sessionID, ev.SessionID)
		}
	}
}

func TestStartStreamsOnlyOwnTurn(t *testing.T) {
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	first := postStream(t, ts.URL, `{"text":"one"}`)
	sessionID := first.Header.Get(stream.HeaderSessionID)
	readEvents(t, first.Body)

	second := postStream(t, ts.URL, `{"text":"two","session_id":"`+sessionID+`"}`)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", second.StatusCode)
	}
	events, _ := readEvents(t, second.Body)
	if len(events) != 4 {
		t.Fatalf("expected 4 events of the second turn, got %d", len(events))
	}
	if events[0].ID != 5 {
		t.Errorf("expected second turn to start at id 5, got %d", events[0].ID)
	}
	msg, err := stream.Decode(events[0])
	if err != nil {
		t.Fatal(err)
	}
	sys, ok := msg.(*stream.SystemMessage)
	if !ok || string(sys.TurnID) != second.Header.Get(stream.HeaderTurnID) {
		t.Errorf("expected init of turn %s, got %+v", second.Header.Get(stream.HeaderTurnID), msg)
	}
}

func TestStartRejectsBadRequests(t *testing.T) {
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing text", `{"text":""}`, http.StatusBadRequest},
		{"invalid json", `{"text":`, http.StatusBadRequest},
		{"unknown session", `{"text":"hi","session_id":"nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/agent/stream", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestStartQueueFull(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv, d := setupServer(t, gated(1, release), Options{}, driver.Options{MaxConcurrent: 1, QueueDepth: 1})
	ctx := context.Background()

	running, err := d.Start(ctx, &stream.StartRequest{Text: "one"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, running.SessionID, 3)
	if _, err := d.Start(ctx, &stream.StartRequest{Text: "two", SessionID: running.SessionID}); err != nil {
		t.Fatal(err)
	}

	body := `{"text":"three","session_id":"` + string(running.SessionID) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/agent/stream", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
}

func TestReplayAndResume(t *testing.T) {
	release := make(chan struct{})
	srv, d := setupServer(t, gated(3, release), Options{}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	// init, user input, then three assistant parts: ids 1..5.
	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 5)

	resp, err := http.Get(ts.URL + "/v1/sessions/" + string(turn.SessionID) + "/events?since=3")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != stream.ContentTypeNDJSON {
		t.Errorf("expected content type %s, got %s", stream.ContentTypeNDJSON, ct)
	}
	var replayed []types.EventID
	err = stream.ReadRecords(resp.Body, func(ev *types.Event) error {
		replayed = append(replayed, ev.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != 2 || replayed[0] != 4 || replayed[1] != 5 {
		t.Fatalf("expected replay [4 5], got %v", replayed)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/sessions/"+string(turn.SessionID)+"/stream", nil)
	req.Header.Set(stream.HeaderLastEventID, "5")
	live, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Body.Close()
	if live.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", live.StatusCode)
	}

	close(release)
	events, _ := readEvents(t, live.Body)
	if len(events) != 2 {
		t.Fatalf("expected 2 live events, got %d", len(events))
	}
	if events[0].ID != 6 {
		t.Errorf("expected first live id 6, got %d", events[0].ID)
	}
	if !events[1].Terminal() || events[1].ID != 7 {
		t.Errorf("expected terminal event 7, got %d (%s)", events[1].ID, events[1].Type)
	}
}

func TestResumeSettledSessionEndsImmediately(t *testing.T) {
	srv, d := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 4)

	tests := []struct {
		name   string
		cursor string
		want   int
	}{
		{"at head", "4", 0},
		{"behind head", "2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/sessions/"+string(turn.SessionID)+"/stream", nil)
			req.Header.Set(stream.HeaderLastEventID, tt.cursor)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			events, _ := readEvents(t, resp.Body)
			if len(events) != tt.want {
				t.Fatalf("expected %d events, got %d", tt.want, len(events))
			}
		})
	}
}

func TestSessionEndpointErrors(t *testing.T) {
	srv, d := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 4)
	sid := string(turn.SessionID)
	unknown := string(types.NewSessionID())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"events unknown session", "/v1/sessions/" + unknown + "/events", "", http.StatusNotFound},
		{"events malformed session", "/v1/sessions/nope/events", "", http.StatusBadRequest},
		{"events bad since", "/v1/sessions/" + sid + "/events?since=abc", "", http.StatusBadRequest},
		{"events negative since", "/v1/sessions/" + sid + "/events?since=-1", "", http.StatusBadRequest},
		{"stream unknown session", "/v1/sessions/" + unknown + "/stream", "", http.StatusNotFound},
		{"stream malformed session", "/v1/sessions/nope/stream", "", http.StatusBadRequest},
		{"stream bad cursor", "/v1/sessions/" + sid + "/stream", "x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(stream.HeaderLastEventID, tt.header)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestEventsRejectsPathEscapingSession(t *testing.T) {
	root := t.TempDir()
	secret := filepath.Join(root, "secret")
	if err := os.MkdirAll(secret, 0o755); err != nil {
		t.Fatal(err)
	}
	record := `{"event_id":1,"session_id":"x","type":"system","payload":{"leak":"outside data dir"},"received_at":"2026-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(filepath.Join(secret, "events.jsonl"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}

	log := state.NewEventLog(state.NewFileStore(filepath.Join(root, "data")))
	d := driver.New(log, driver.ComputationFunc(echo), driver.Options{MaxConcurrent: 1})
	d.Launch(context.Background())
	t.Cleanup(d.Stop)
	srv := NewServer(d, Options{})

	for _, path := range []string{
		"/v1/sessions/..%2F..%2Fsecret/events?since=0",
		"/v1/sessions/..%2F..%2Fsecret/stream",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, w.Code)
		}
		if strings.Contains(w.Body.String(), "outside data dir") {
			t.Errorf("%s: served a record from outside the data dir", path)
		}
	}
}

func TestStartRejectsMalformedSession(t *testing.T) {
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/agent/stream", strings.NewReader(`{"text":"hi","session_id":"../x"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, d := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "hi", Cwd: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 4)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var sessions []sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].SessionID != string(turn.SessionID) {
		t.Errorf("expected session %s, got %s", turn.SessionID, sessions[0].SessionID)
	}
	if sessions[0].EventCount != 4 {
		t.Errorf("expected 4 events, got %d", sessions[0].EventCount)
	}
	if sessions[0].Cwd != "/work" {
		t.Errorf("expected cwd /work, got %s", sessions[0].Cwd)
	}
	if sessions[0].Subscribers != 0 {
		t.Errorf("expected no subscribers, got %d", sessions[0].Subscribers)
	}
}

func TestLiveSubscribersReported(t *testing.T) {
	srv, d := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 4)

	sub := d.Hub().Subscribe(turn.SessionID)
	defer sub.Close()

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	var sessions []sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Subscribers != 1 {
		t.Fatalf("expected one session with one subscriber, got %+v", sessions)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health map[string]any
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["live_sessions"] != float64(1) {
		t.Errorf("expected 1 live session, got %v", health["live_sessions"])
	}
}

func TestFollowRecoversDroppedSubscriber(t *testing.T) {
	burst := make(chan struct{})
	finish := make(chan struct{})
	say := func(ctx context.Context, emit driver.Emitter, text string) error {
		return emit.Emit(ctx, &stream.AssistantMessage{Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}}})
	}
	comp := driver.ComputationFunc(func(ctx context.Context, turn *driver.Turn, emit driver.Emitter) (*driver.Outcome, error) {
		if err := say(ctx, emit, "first"); err != nil {
			return nil, err
		}
		<-burst
		for i := 0; i < 3; i++ {
			if err := say(ctx, emit, "burst"); err != nil {
				return nil, err
			}
		}
		<-finish
		if err := say(ctx, emit, "done"); err != nil {
			return nil, err
		}
		return &driver.Outcome{Result: "done", NumRounds: 1}, nil
	})
	srv, d := setupServer(t, comp, Options{Heartbeat: 20 * time.Millisecond}, driver.Options{SubscriberBuffer: 1})

	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 3)

	// Nobody reads the subscription while the burst lands, so the hub drops it.
	sub := d.Hub().Subscribe(turn.SessionID)
	close(burst)
	waitLastID(t, d, turn.SessionID, 6)
	if !sub.Dropped() {
		t.Fatal("expected the slow subscriber to be dropped")
	}

	rec := httptest.NewRecorder()
	f := &follower{w: rec, flusher: rec}
	followed := make(chan error, 1)
	go func() { followed <- srv.follow(context.Background(), f, sub, turn.SessionID) }()

	deadline := time.Now().Add(5 * time.Second)
	for d.Hub().Subscribers(turn.SessionID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(finish)

	select {
	case err := <-followed:
		if err != nil {
			t.Fatalf("follow: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not finish")
	}

	events, _ := readEvents(t, rec.Body)
	if len(events) != 8 {
		t.Fatalf("expected 8 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID != types.EventID(i+1) {
			t.Fatalf("event %d has id %d", i, ev.ID)
		}
	}
	if !events[7].Terminal() {
		t.Error("expected the stream to end on the terminal event")
	}
}

func TestHeartbeats(t *testing.T) {
	release := make(chan struct{})
	srv, d := setupServer(t, gated(0, release), Options{Heartbeat: 20 * time.Millisecond}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	turn, err := d.Start(context.Background(), &stream.StartRequest{Text: "wait"})
	if err != nil {
		t.Fatal(err)
	}
	waitLastID(t, d, turn.SessionID, 2)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/sessions/"+string(turn.SessionID)+"/stream", nil)
	req.Header.Set(stream.HeaderLastEventID, "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	r := stream.NewReader(resp.Body, slog.Default())
	frame, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !frame.Heartbeat {
		t.Fatalf("expected heartbeat while turn is idle, got event %d", frame.Event.ID)
	}

	close(release)
	events, _ := readEvents(t, resp.Body)
	if len(events) != 2 || events[0].ID != 3 {
		t.Fatalf("expected events 3 and 4 after heartbeats, got %d events", len(events))
	}
}

func TestCancelOnDisconnect(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv, d := setupServer(t, gated(1, release), Options{CancelOnDisconnect: true}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/agent/stream", strings.NewReader(`{"text":"hi"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	sessionID := types.SessionID(resp.Header.Get(stream.HeaderSessionID))

	r := stream.NewReader(resp.Body, slog.Default())
	for i := 0; i < 3; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	resp.Body.Close()

	waitLastID(t, d, sessionID, 4)
	events, err := d.Log().Replay(context.Background(), sessionID, 3)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := stream.Decode(events[0])
	if err != nil {
		t.Fatal(err)
	}
	errMsg, ok := msg.(*stream.ErrorMessage)
	if !ok || errMsg.Code != stream.CodeCancelled {
		t.Fatalf("expected cancelled error event, got %+v", msg)
	}
}

func TestRunsToCompletionAfterDisconnect(t *testing.T) {
	release := make(chan struct{})
	srv, d := setupServer(t, gated(1, release), Options{}, driver.Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/agent/stream", strings.NewReader(`{"text":"hi"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	sessionID := types.SessionID(resp.Header.Get(stream.HeaderSessionID))
	waitLastID(t, d, sessionID, 3)
	cancel()
	resp.Body.Close()

	close(release)
	waitLastID(t, d, sessionID, 5)
	events, err := d.Log().Replay(context.Background(), sessionID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Type != types.EventResult {
		t.Fatalf("expected result after disconnect, got %s", events[0].Type)
	}
}

func TestCheckLoopback(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"127.0.0.1:8080", true},
		{"127.0.0.2:0", true},
		{"[::1]:8080", true},
		{"localhost:8080", true},
		{"0.0.0.0:8080", false},
		{":8080", false},
		{"192.168.1.10:8080", false},
		{"example.com:80", false},
		{"127.0.0.1", false},
	}
	for _, tt := range tests {
		err := CheckLoopback(tt.addr)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.addr, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected error", tt.addr)
		}
	}
}

func TestServeShutsDown(t *testing.T) {
	srv, _ := setupServer(t, driver.ComputationFunc(echo), Options{}, driver.Options{})
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, srv, time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
