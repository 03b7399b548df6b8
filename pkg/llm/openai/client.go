package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/user/burrow/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// wireToolCall is a tool call as OpenAI encodes it: arguments are a JSON
// document inside a string.
type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Choices []choice       `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

// choice represents a single completion choice.
type choice struct {
	Message responseMessage `json:"message"`
	Delta   responseMessage `json:"delta"`
}

// responseMessage is the OpenAI message format in responses and stream chunks.
type responseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *responseUsage) toLLM() llm.Usage {
	return llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func toWire(calls []llm.ToolCall) []wireToolCall {
	out := make([]wireToolCall, len(calls))
	for i, tc := range calls {
		out[i].ID = tc.ID
		out[i].Type = "function"
		out[i].Function.Name = tc.Function.Name
		out[i].Function.Arguments = string(tc.Function.Arguments)
	}
	return out
}

func fromWire(calls []wireToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out[i] = llm.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			},
		}
	}
	return out
}

func (c *Client) buildRequest(ctx context.Context, messages []llm.Message, tools []llm.Tool, stream bool) (*http.Request, error) {
	reqMessages := make([]requestMessage, len(messages))
	for i, msg := range messages {
		rm := requestMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "tool" && len(msg.Tools) > 0 {
			rm.ToolCallID = msg.Tools[0].ID
		} else if len(msg.Tools) > 0 {
			rm.ToolCalls = toWire(msg.Tools)
		}
		reqMessages[i] = rm
	}

	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: reqMessages,
	}

	if len(tools) > 0 {
		reqBody.Tools = tools
	}

	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}

	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	if stream {
		reqBody.Stream = true
		reqBody.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := c.buildRequest(ctx, messages, tools, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := chatResp.Choices[0]
	out := &llm.Response{
		Content: choice.Message.Content,
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.ToolCalls = fromWire(choice.Message.ToolCalls)
	}
	if chatResp.Usage != nil {
		out.Usage = chatResp.Usage.toLLM()
	}
	return out, nil
}

// Stream sends a streaming chat completion request. Content deltas are
// forwarded as they arrive; tool calls are assembled from their fragments
// and sent once the stream ends.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	req, err := c.buildRequest(ctx, messages, tools, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(d llm.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		final, err := readStream(resp.Body, func(content string) bool {
			return send(llm.Delta{Content: content})
		})
		if err != nil {
			send(llm.Delta{Err: err})
			return
		}
		if len(final.ToolCalls) > 0 || final.Usage != nil {
			send(final)
		}
	}()
	return ch, nil
}

// toolCallBuilder accumulates the fragments of one streamed tool call.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// readStream parses an SSE body of chat completion chunks. onContent is
// called for every content fragment and may return false to stop reading.
// The returned delta carries the assembled tool calls and usage.
func readStream(body io.Reader, onContent func(string) bool) (llm.Delta, error) {
	var final llm.Delta
	calls := make(map[int]*toolCallBuilder)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return final, fmt.Errorf("reading stream: %w", err)
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")
		data, ok := strings.CutPrefix(line, "data:")
		if ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				break
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return final, fmt.Errorf("parsing stream chunk: %w", err)
			}
			if chunk.Usage != nil {
				usage := chunk.Usage.toLLM()
				final.Usage = &usage
			}
			for _, ch := range chunk.Choices {
				if ch.Delta.Content != "" && !onContent(ch.Delta.Content) {
					return final, context.Canceled
				}
				for _, tc := range ch.Delta.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					b, ok := calls[idx]
					if !ok {
						b = &toolCallBuilder{}
						calls[idx] = b
					}
					if tc.ID != "" {
						b.id = tc.ID
					}
					if tc.Function.Name != "" {
						b.name = tc.Function.Name
					}
					b.args.WriteString(tc.Function.Arguments)
				}
			}
		}
		if eof {
			break
		}
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	wire := make([]wireToolCall, 0, len(indexes))
	for _, idx := range indexes {
		b := calls[idx]
		var tc wireToolCall
		tc.ID = b.id
		tc.Function.Name = b.name
		tc.Function.Arguments = b.args.String()
		wire = append(wire, tc)
	}
	if len(wire) > 0 {
		final.ToolCalls = fromWire(wire)
	}
	return final, nil
}
