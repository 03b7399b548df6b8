// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
	"github.com/user/burrow/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// PromptData is the data available to the system prompt template.
type PromptData struct {
	Time      string
	SessionID types.SessionID
	Cwd       string
	Tools     string
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
// promptPath optionally names a template file replacing DefaultPrompt.
func New(model string, maxTokens, reserve int, promptPath string) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}

	text := DefaultPrompt
	if promptPath != "" {
		data, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}

	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// CountMessages estimates the prompt tokens of messages.
func (e *Engine) CountMessages(messages []llm.Message) int {
	n := 0
	for _, msg := range messages {
		n += e.countMessage(msg)
	}
	return n
}

func (e *Engine) countMessage(msg llm.Message) int {
	n := e.CountTokens(msg.Content)
	for _, tc := range msg.Tools {
		n += e.CountTokens(tc.Function.Name)
		n += e.CountTokens(string(tc.Function.Arguments))
	}
	return n
}

// Turn identifies the turn a prompt is being built for.
type Turn struct {
	SessionID types.SessionID
	Cwd       string
	Tools     []string
	Now       time.Time
}

// BuildPrompt assembles a token-budgeted prompt from session history. events
// must be in log order. When the history does not fit, the oldest messages
// are left out.
func (e *Engine) BuildPrompt(_ context.Context, turn Turn, events []*types.Event) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	// 1. System prompt
	sysPrompt, err := e.systemPrompt(turn)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.CountTokens(sysPrompt)

	// 90% for history, 10% safety margin
	historyBudget := int(float64(remaining) * 0.9)

	// 2. Convert events to messages
	var history []llm.Message
	for _, event := range events {
		history = append(history, eventToMessages(event)...)
	}

	// 3. Keep the newest messages that fit
	start := len(history)
	used := 0
	for start > 0 {
		cost := e.countMessage(history[start-1])
		if used+cost > historyBudget {
			break
		}
		used += cost
		start--
	}
	// A tool result cannot lead the history without its call.
	for start < len(history) && history[start].Role == "tool" {
		start++
	}

	messages := make([]llm.Message, 0, 1+len(history)-start)
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	messages = append(messages, history[start:]...)
	return messages, nil
}

func (e *Engine) systemPrompt(turn Turn) (string, error) {
	now := turn.Now
	if now.IsZero() {
		now = time.Now()
	}
	var buf bytes.Buffer
	err := e.prompt.Execute(&buf, PromptData{
		Time:      now.Format(time.RFC3339),
		SessionID: turn.SessionID,
		Cwd:       turn.Cwd,
		Tools:     strings.Join(turn.Tools, ", "),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// eventToMessages maps one logged event to the chat messages it stands for.
// System, result and error events carry no conversation content.
func eventToMessages(event *types.Event) []llm.Message {
	msg, err := stream.Decode(event)
	if err != nil {
		return nil
	}

	switch m := msg.(type) {
	case *stream.UserMessage:
		var out []llm.Message
		if text := m.Text(); text != "" {
			out = append(out, llm.Message{Role: "user", Content: text})
		}
		for _, b := range m.Content {
			if b.Type != stream.BlockToolResult {
				continue
			}
			out = append(out, llm.Message{
				Role:    "tool",
				Content: b.Content,
				Tools:   []llm.ToolCall{{ID: b.ToolUseID}},
			})
		}
		return out

	case *stream.AssistantMessage:
		out := llm.Message{Role: "assistant", Content: m.Text()}
		for _, b := range m.Content {
			if b.Type != stream.BlockToolUse {
				continue
			}
			out.Tools = append(out.Tools, llm.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      b.Name,
					Arguments: b.Input,
				},
			})
		}
		if out.Content == "" && len(out.Tools) == 0 {
			return nil
		}
		return []llm.Message{out}
	}
	return nil
}
