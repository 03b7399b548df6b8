package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	ctxengine "github.com/user/burrow/internal/context"
	"github.com/user/burrow/internal/driver"
	"github.com/user/burrow/internal/runtime/tools"
	"github.com/user/burrow/internal/state"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/types"
	"github.com/user/burrow/pkg/llm"
)

const (
	// historyEvents bounds how far back a prompt looks in the session log.
	historyEvents = 400

	maxToolResultChars = 20000
)

// Runtime implements the agentic turn loop as a driver.Computation.
type Runtime struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	log       *state.EventLog
	registry  *Registry
	maxRounds int
}

var _ driver.Computation = (*Runtime)(nil)

// New creates a Runtime with the given dependencies.
func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	log *state.EventLog,
	registry *Registry,
	maxRounds int,
) *Runtime {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Runtime{
		provider:  provider,
		engine:    engine,
		log:       log,
		registry:  registry,
		maxRounds: maxRounds,
	}
}

// Run executes the agentic loop for a turn: call the model, run any tools
// it asks for, feed the results back, until it answers without tool calls.
func (rt *Runtime) Run(ctx context.Context, turn *driver.Turn, emit driver.Emitter) (*driver.Outcome, error) {
	allowed := rt.registry.Subset(turn.AllowedTools)
	toolCtx := tools.WithWorkDir(ctx, turn.Cwd)
	usage := &stream.Usage{}
	logger := slog.With("turn_id", turn.ID, "session_id", turn.SessionID)

	for round := 1; round <= rt.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 1. Load recent history, including this turn's events so far
		history, err := rt.history(ctx, turn.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}

		// 2. Build prompt
		messages, err := rt.engine.BuildPrompt(ctx, ctxengine.Turn{
			SessionID: turn.SessionID,
			Cwd:       turn.Cwd,
			Tools:     allowed.Names(),
		}, history)
		if err != nil {
			return nil, fmt.Errorf("build prompt: %w", err)
		}

		// 3. Call LLM
		resp, err := rt.complete(ctx, messages, allowed.AsLLMTools())
		if err != nil {
			return nil, fmt.Errorf("LLM call: %w", err)
		}
		rt.addUsage(usage, messages, resp)
		logger.Debug("model responded", "round", round, "tool_calls", len(resp.ToolCalls))

		// 4. Record what the model said
		var blocks []stream.ContentBlock
		if resp.Content != "" {
			blocks = append(blocks, stream.ContentBlock{Type: stream.BlockText, Text: resp.Content})
		}
		for _, tc := range resp.ToolCalls {
			blocks = append(blocks, stream.ContentBlock{
				Type:  stream.BlockToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: tc.Function.Arguments,
			})
		}
		if len(blocks) > 0 {
			if err := emit.Emit(ctx, &stream.AssistantMessage{Content: blocks, Model: turn.Model}); err != nil {
				return nil, fmt.Errorf("record assistant message: %w", err)
			}
		}

		// 5. Text response -- done
		if len(resp.ToolCalls) == 0 {
			return &driver.Outcome{Result: resp.Content, NumRounds: round, Usage: usage}, nil
		}

		// 6. Execute tool calls and record their results
		results := make([]stream.ContentBlock, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			results = append(results, rt.execute(toolCtx, allowed, tc, logger))
		}
		if err := emit.Emit(ctx, &stream.UserMessage{Content: results}); err != nil {
			return nil, fmt.Errorf("record tool results: %w", err)
		}
	}

	return nil, fmt.Errorf("max tool rounds (%d) exceeded", rt.maxRounds)
}

func (rt *Runtime) history(ctx context.Context, sessionID types.SessionID) ([]*types.Event, error) {
	last, err := rt.log.LastEventID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return rt.log.Replay(ctx, sessionID, max(last-historyEvents, 0))
}

func (rt *Runtime) complete(ctx context.Context, messages []llm.Message, llmTools []llm.Tool) (*llm.Response, error) {
	deltas, err := rt.provider.Stream(ctx, messages, llmTools)
	if err != nil {
		return nil, err
	}
	return llm.Collect(ctx, deltas)
}

// addUsage accumulates reported token usage, estimating it with the
// tokenizer when the provider reports none.
func (rt *Runtime) addUsage(usage *stream.Usage, messages []llm.Message, resp *llm.Response) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		return
	}
	usage.InputTokens += rt.engine.CountMessages(messages)
	usage.OutputTokens += rt.engine.CountMessages([]llm.Message{{Content: resp.Content, Tools: resp.ToolCalls}})
}

func (rt *Runtime) execute(ctx context.Context, allowed *Registry, tc llm.ToolCall, logger *slog.Logger) stream.ContentBlock {
	block := stream.ContentBlock{Type: stream.BlockToolResult, ToolUseID: tc.ID}

	tool, ok := allowed.Get(tc.Function.Name)
	if !ok {
		block.Content = fmt.Sprintf("error: tool %q is not available in this session", tc.Function.Name)
		block.IsError = true
		return block
	}

	args := tc.Function.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		logger.Info("tool failed", "tool", tc.Function.Name, "error", err)
		if result != "" {
			result += "\n"
		}
		result += "error: " + err.Error()
		block.IsError = true
	}
	result = tools.Truncate(result, maxToolResultChars, "\n[truncated]")
	block.Content = result
	return block
}
