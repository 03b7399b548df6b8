package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/burrow/internal/types"
)

// Message is the decoded payload of an event. The concrete type is one of
// *SystemMessage, *AssistantMessage, *UserMessage, *ResultMessage or
// *ErrorMessage.
type Message interface {
	Type() types.EventType
	message()
}

// Content block kinds.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Error codes carried by ErrorMessage.
const (
	CodeComputationFailed = "computation_failed"
	CodeCancelled         = "cancelled"
	CodeInterrupted       = "interrupted"
)

// ContentBlock is one piece of assistant or user content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type SystemMessage struct {
	Subtype   string          `json:"subtype"`
	SessionID types.SessionID `json:"session_id"`
	TurnID    types.TurnID    `json:"turn_id,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	Model     string          `json:"model,omitempty"`
}

type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model,omitempty"`
}

type UserMessage struct {
	Content []ContentBlock `json:"content"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ResultMessage struct {
	Subtype    string       `json:"subtype"`
	TurnID     types.TurnID `json:"turn_id,omitempty"`
	Result     string       `json:"result,omitempty"`
	NumRounds  int          `json:"num_rounds,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	Usage      *Usage       `json:"usage,omitempty"`
}

type ErrorMessage struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	TurnID  types.TurnID `json:"turn_id,omitempty"`
}

func (*SystemMessage) Type() types.EventType    { return types.EventSystem }
func (*AssistantMessage) Type() types.EventType { return types.EventAssistant }
func (*UserMessage) Type() types.EventType      { return types.EventUser }
func (*ResultMessage) Type() types.EventType    { return types.EventResult }
func (*ErrorMessage) Type() types.EventType     { return types.EventError }

func (*SystemMessage) message()    {}
func (*AssistantMessage) message() {}
func (*UserMessage) message()      {}
func (*ResultMessage) message()    {}
func (*ErrorMessage) message()     {}

// Text concatenates the text blocks of the message.
func (m *AssistantMessage) Text() string {
	return joinText(m.Content)
}

// Text concatenates the text blocks of the message.
func (m *UserMessage) Text() string {
	return joinText(m.Content)
}

func joinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Decode turns an event's payload into its typed message.
func Decode(ev *types.Event) (Message, error) {
	var m Message
	switch ev.Type {
	case types.EventSystem:
		m = &SystemMessage{}
	case types.EventAssistant:
		m = &AssistantMessage{}
	case types.EventUser:
		m = &UserMessage{}
	case types.EventResult:
		m = &ResultMessage{}
	case types.EventError:
		m = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, m); err != nil {
		return nil, fmt.Errorf("decode %s payload of event %d: %w", ev.Type, ev.ID, err)
	}
	return m, nil
}

// Encode returns the event type and payload for m.
func Encode(m Message) (types.EventType, json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", m.Type(), err)
	}
	return m.Type(), data, nil
}
