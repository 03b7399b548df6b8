// Package stream implements the wire protocol between the burrow server and
// its clients: Server-Sent-Events style frames for live delivery, NDJSON
// records for replay, request types, and the typed payload variants.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/user/burrow/internal/types"
)

const (
	ContentTypeEventStream = "text/event-stream"
	ContentTypeNDJSON      = "application/x-ndjson"

	// HeaderLastEventID carries the client's cursor on a resume request.
	HeaderLastEventID = "Last-Event-ID"

	// HeaderSessionID and HeaderTurnID identify the session and turn on an
	// event-stream response.
	HeaderSessionID = "Burrow-Session-Id"
	HeaderTurnID    = "Burrow-Turn-Id"
)

var heartbeat = []byte(": ping\n\n")

// WriteEvent writes ev as one frame:
//
//	id: <event_id>
//	event: <type>
//	data: <event json>
//
// followed by a blank line.
func WriteEvent(w io.Writer, ev *types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 48)
	fmt.Fprintf(&buf, "id: %d\nevent: %s\ndata: ", ev.ID, ev.Type)
	buf.Write(data)
	buf.WriteString("\n\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteHeartbeat writes a comment-only frame.
func WriteHeartbeat(w io.Writer) error {
	_, err := w.Write(heartbeat)
	return err
}

// Frame is one parsed unit of the live stream. Exactly one of Event and
// Heartbeat is set.
type Frame struct {
	Event     *types.Event
	Heartbeat bool
}

// Reader parses frames from a live stream. Malformed frames are logged and
// skipped; Next only returns an error when the underlying reader fails or
// reaches EOF.
type Reader struct {
	r       *bufio.Reader
	logger  *slog.Logger
	dropped int
}

// NewReader returns a Reader over r. A nil logger uses slog.Default().
func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Dropped returns how many malformed frames have been skipped so far.
func (r *Reader) Dropped() int {
	return r.dropped
}

// rawFrame accumulates the fields of one frame.
type rawFrame struct {
	id      string
	hasID   bool
	event   string
	data    []string
	comment bool
}

func (f *rawFrame) empty() bool {
	return !f.hasID && f.event == "" && len(f.data) == 0 && !f.comment
}

// Next returns the next event or heartbeat.
func (r *Reader) Next() (*Frame, error) {
	for {
		raw, err := r.readRaw()
		if err != nil {
			return nil, err
		}
		frame, err := parseFrame(raw)
		if err != nil {
			r.dropped++
			r.logger.Warn("dropping stream frame", "id", raw.id, "error", err)
			continue
		}
		if frame != nil {
			return frame, nil
		}
	}
}

// readRaw reads lines up to the next blank line. A final frame cut off by
// EOF is discarded, since its data may be incomplete.
func (r *Reader) readRaw() (*rawFrame, error) {
	f := &rawFrame{}
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && !f.empty() {
				r.logger.Debug("discarding unterminated frame at end of stream", "id", f.id)
			}
			return nil, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line == "" {
			if f.empty() {
				continue
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			f.comment = true
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.id, f.hasID = value, true
		case "event":
			f.event = value
		case "data":
			f.data = append(f.data, value)
		}
	}
}

// parseFrame validates a raw frame. It returns (nil, nil) for frames that
// carry nothing of interest.
func parseFrame(f *rawFrame) (*Frame, error) {
	if !f.hasID && len(f.data) == 0 {
		if f.comment {
			return &Frame{Heartbeat: true}, nil
		}
		return nil, nil
	}
	if !f.hasID {
		return nil, fmt.Errorf("data without id: %w", ErrMalformedFrame)
	}
	if len(f.data) == 0 {
		return nil, fmt.Errorf("id %q without data: %w", f.id, ErrMalformedFrame)
	}
	id, err := types.ParseEventID(f.id)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("bad id %q: %w", f.id, ErrMalformedFrame)
	}

	var ev types.Event
	if err := json.Unmarshal([]byte(strings.Join(f.data, "\n")), &ev); err != nil {
		return nil, fmt.Errorf("decode data: %v: %w", err, ErrMalformedFrame)
	}
	if ev.ID != id {
		return nil, fmt.Errorf("id %d does not match data event_id %d: %w", id, ev.ID, ErrMalformedFrame)
	}
	if _, err := types.ParseEventType(string(ev.Type)); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	if ev.SessionID == "" {
		return nil, fmt.Errorf("event %d without session_id: %w", id, ErrMalformedFrame)
	}
	return &Frame{Event: &ev}, nil
}
