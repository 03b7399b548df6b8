package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/user/burrow/internal/types"
)

// StartRequest is the body of POST /v1/agent/stream.
type StartRequest struct {
	Text         string          `json:"text"`
	SessionID    types.SessionID `json:"session_id,omitempty"`
	AllowedTools []string        `json:"allowed_tools,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	Model        string          `json:"model,omitempty"`
}

// Validate rejects requests the server cannot start a turn for.
func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrMissingText
	}
	if r.SessionID != "" {
		id, err := types.ParseSessionID(string(r.SessionID))
		if err != nil {
			return err
		}
		r.SessionID = id
	}
	return nil
}

// DecodeStartRequest reads and validates a stream-start body.
func DecodeStartRequest(body io.Reader) (*StartRequest, error) {
	var req StartRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ResumeRequest identifies where a client wants the live stream to pick up.
type ResumeRequest struct {
	SessionID   types.SessionID
	LastEventID types.EventID
}

// ParseResumeRequest builds a resume request from the session path value and
// the Last-Event-ID header.
func ParseResumeRequest(sessionID, lastEventID string) (*ResumeRequest, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrMissingSessionID
	}
	sid, err := types.ParseSessionID(strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	id, err := types.ParseEventID(strings.TrimSpace(lastEventID))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", HeaderLastEventID, lastEventID, err)
	}
	return &ResumeRequest{SessionID: sid, LastEventID: id}, nil
}
