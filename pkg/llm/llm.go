// Package llm is the chat-completion surface the investigation executor
// drives. Turns always stream; Complete serves one-shot callers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Provider is a chat-completion backend.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream delivers content as it is generated. Tool calls arrive
	// complete in the final delta; a delta with Err set ends the stream.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)
}

// Config selects the model endpoint a provider talks to.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of an investigation conversation. ToolCallID is set
// only on RoleTool messages and names the call the content answers.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

func AssistantMessage(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResult answers the tool call with the given id.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolCall is a backend query or runbook lookup requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool advertises a callable function to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionTool builds a Tool of type "function".
func FunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{
		Type:     "function",
		Function: Function{Name: name, Description: description, Parameters: parameters},
	}
}

type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Delta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Err       error      `json:"-"`
}

// Drain consumes a stream into a single Response, stopping at the first
// delta carrying an error.
func Drain(stream <-chan Delta) (*Response, error) {
	out := &Response{}
	for d := range stream {
		if d.Err != nil {
			return nil, d.Err
		}
		out.Content += d.Content
		out.ToolCalls = append(out.ToolCalls, d.ToolCalls...)
	}
	return out, nil
}

// StatusError is returned when a provider answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Code, e.Body)
}

// Temporary reports whether the provider signalled a capacity or
// availability problem that may clear on its own.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
