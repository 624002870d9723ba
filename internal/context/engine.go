// Package context builds token-budgeted prompts for the reference agent
// executor.
package context

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/incidentd/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// PromptData is the input of the system prompt template.
type PromptData struct {
	Time      string
	SessionID string
	Scenario  string
	Tools     string
	Backends  string
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	e := &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}
	if err := e.SetPrompt(DefaultPrompt); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPrompt replaces the system prompt template.
func (e *Engine) SetPrompt(text string) error {
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse system prompt: %w", err)
	}
	e.prompt = tmpl
	return nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(msg llm.Message) int {
	n := e.CountTokens(msg.Content) + 4
	for _, tc := range msg.ToolCalls {
		n += e.CountTokens(tc.Function.Name)
		n += e.CountTokens(string(tc.Function.Arguments))
	}
	return n
}

// SystemPrompt renders the system prompt for a session.
func (e *Engine) SystemPrompt(sessionID, scenario string, tools, backends []string) (string, error) {
	var sb strings.Builder
	err := e.prompt.Execute(&sb, PromptData{
		Time:      time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
		Scenario:  scenario,
		Tools:     strings.Join(tools, ", "),
		Backends:  strings.Join(backends, ", "),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return sb.String(), nil
}

// Fit returns system + as much of history as fits the input budget. The
// opening message (the investigation brief) is kept whenever it fits; the
// rest is filled with the most recent messages. Tool results whose call was
// dropped are removed so the provider never sees an orphan.
func (e *Engine) Fit(system string, history []llm.Message) []llm.Message {
	budget := e.maxTokens - e.reserve - e.CountTokens(system)

	out := []llm.Message{llm.SystemMessage(system)}
	if len(history) == 0 || budget <= 0 {
		return out
	}

	first := history[0]
	firstTokens := e.messageTokens(first)
	keepFirst := firstTokens <= budget
	if keepFirst {
		budget -= firstTokens
	}

	start := len(history)
	for i := len(history) - 1; i >= 1; i-- {
		n := e.messageTokens(history[i])
		if n > budget {
			break
		}
		budget -= n
		start = i
	}
	for start < len(history) && history[start].Role == llm.RoleTool {
		start++
	}

	if keepFirst {
		out = append(out, first)
	}
	return append(out, history[start:]...)
}
