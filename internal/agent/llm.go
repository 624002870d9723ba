package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ctxengine "github.com/user/incidentd/internal/context"
	"github.com/user/incidentd/pkg/llm"
)

// LLMExecutor is the reference Executor: a tool-calling loop over an LLM
// provider. Conversation history is kept in memory per handle and only
// advances when a turn succeeds, so a retried attempt starts from the same
// history as the failed one.
type LLMExecutor struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	tools     *Toolset
	backends  []string
	maxRounds int

	mu        sync.Mutex
	histories map[string][]llm.Message
}

// NewLLMExecutor creates an executor over provider. backends are listed in
// the system prompt so the model knows what it can query.
func NewLLMExecutor(provider llm.Provider, engine *ctxengine.Engine, tools *Toolset, backends []string, maxRounds int) *LLMExecutor {
	if maxRounds <= 0 {
		maxRounds = 20
	}
	return &LLMExecutor{
		provider:  provider,
		engine:    engine,
		tools:     tools,
		backends:  backends,
		maxRounds: maxRounds,
		histories: make(map[string][]llm.Message),
	}
}

// Forget drops the conversation history for handle.
func (x *LLMExecutor) Forget(handle string) {
	x.mu.Lock()
	delete(x.histories, handle)
	x.mu.Unlock()
}

func (x *LLMExecutor) history(handle string) []llm.Message {
	x.mu.Lock()
	defer x.mu.Unlock()
	h := x.histories[handle]
	out := make([]llm.Message, len(h))
	copy(out, h)
	return out
}

// Run executes one turn. Provider failures that the provider marks as
// temporary are returned wrapped with Transient.
func (x *LLMExecutor) Run(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	handle := req.Handle
	if handle == "" {
		handle = uuid.NewString()
	}
	history := x.history(handle)
	history = append(history, llm.UserMessage(req.Input))

	system, err := x.engine.SystemPrompt(string(req.SessionID), req.Scenario, x.tools.Names(), x.backends)
	if err != nil {
		cb.terminal(false, err.Error())
		return Result{}, err
	}
	specs := x.tools.Specs()

	for round := 0; round < x.maxRounds; round++ {
		content, calls, err := x.complete(ctx, x.engine.Fit(system, history), specs, cb)
		if err != nil {
			cb.terminal(false, err.Error())
			return Result{}, err
		}

		if len(calls) == 0 {
			history = append(history, llm.AssistantMessage(content, nil))
			x.mu.Lock()
			x.histories[handle] = history
			x.mu.Unlock()
			cb.terminal(true, "")
			return Result{Diagnosis: content, Handle: handle}, nil
		}

		history = append(history, llm.AssistantMessage(content, calls))
		for _, tc := range calls {
			result := x.execute(ctx, tc, cb)
			history = append(history, llm.ToolResult(tc.ID, result))
		}
	}

	err = fmt.Errorf("max tool rounds (%d) exceeded", x.maxRounds)
	cb.terminal(false, err.Error())
	return Result{}, err
}

// complete streams one model response, forwarding content as it arrives.
func (x *LLMExecutor) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool, cb Callbacks) (string, []llm.ToolCall, error) {
	stream, err := x.provider.Stream(ctx, messages, tools)
	if err != nil {
		return "", nil, classify(err)
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	for delta := range stream {
		if delta.Err != nil {
			return "", nil, classify(delta.Err)
		}
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			cb.messageDelta(delta.Content)
		}
		calls = append(calls, delta.ToolCalls...)
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return sb.String(), calls, nil
}

func (x *LLMExecutor) execute(ctx context.Context, tc llm.ToolCall, cb Callbacks) string {
	name := tc.Function.Name
	query := queryOf(tc.Function.Arguments)
	cb.stepStart(name, query)
	start := time.Now()

	result, err := x.tools.Call(ctx, name, tc.Function.Arguments)
	if err != nil {
		if !errors.Is(err, ErrUnknownTool) {
			slog.Warn("tool failed", "tool", name, "error", err)
		}
		result = "error: " + err.Error()
	}
	cb.stepComplete(name, query, result, time.Since(start))
	return result
}

// queryOf extracts the human-readable query from tool arguments, falling
// back to the raw arguments.
func queryOf(args json.RawMessage) string {
	var p struct {
		Query string `json:"query"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(args, &p); err == nil {
		if p.Query != "" {
			return p.Query
		}
		if p.URL != "" {
			return p.URL
		}
	}
	return string(args)
}

func classify(err error) error {
	var se *llm.StatusError
	if errors.As(err, &se) && se.Temporary() {
		return Transient(err)
	}
	return err
}
