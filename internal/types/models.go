package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event tags carried on the wire.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
	EventError     EventType = "error"
)

// ParseEventType validates s against the closed set of event types.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventSystem, EventAssistant, EventUser, EventResult, EventError:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Terminal reports whether an event of this type ends a turn.
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError
}

type Event struct {
	ID         EventID         `json:"event_id"`
	SessionID  SessionID       `json:"session_id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Terminal reports whether the event ends its turn.
func (e *Event) Terminal() bool {
	return e.Type.Terminal()
}

type Session struct {
	ID           SessionID `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Cwd          string    `json:"cwd,omitempty"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
	Model        string    `json:"model,omitempty"`
}
