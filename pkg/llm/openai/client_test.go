package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/incidentd/pkg/llm"
)

// completion is a non-streaming chat completion body.
func completion(message map[string]any, prompt, output int) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{"message": message}},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": output,
			"total_tokens":      prompt + output,
		},
	}
}

// capture serves reply and records the decoded request body.
func capture(t *testing.T, reply map[string]any, got *map[string]any, r **http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if got != nil {
			json.Unmarshal(body, got)
		}
		if r != nil {
			*r = req
		}
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteRequestAndUsage(t *testing.T) {
	var body map[string]any
	var req *http.Request
	srv := capture(t, completion(map[string]any{"role": "assistant", "content": "Fiber cut between core-1 and agg-2."}, 10, 5), &body, &req)

	client := New(&llm.Config{BaseURL: srv.URL + "/v1", APIKey: "test-key", Model: "gpt-4o-mini", MaxTokens: 512, Temperature: 0.2})
	resp, err := client.Complete(context.Background(), []llm.Message{
		llm.SystemMessage("You investigate network incidents."),
		llm.UserMessage("eth0 down on core-1"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if req.URL.Path != "/v1/chat/completions" {
		t.Errorf("unexpected path %q", req.URL.Path)
	}
	if req.Header.Get("Authorization") != "Bearer test-key" || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected headers %v", req.Header)
	}
	if body["model"] != "gpt-4o-mini" || body["max_tokens"] != float64(512) || body["stream"] != nil {
		t.Errorf("unexpected body %v", body)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %v", body["messages"])
	}
	if _, ok := body["tools"]; ok {
		t.Error("expected tools to be omitted")
	}

	if resp.Content != "Fiber cut between core-1 and agg-2." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage != (llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}) {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestCompleteToolCalls(t *testing.T) {
	var body map[string]any
	reply := completion(map[string]any{
		"role":    "assistant",
		"content": "",
		"tool_calls": []map[string]any{{
			"id":       "call_123",
			"type":     "function",
			"function": map[string]any{"name": "query_backend", "arguments": `{"backend":"graph","query":"neighbors of core-1"}`},
		}},
	}, 20, 10)
	srv := capture(t, reply, &body, nil)

	client := New(&llm.Config{BaseURL: srv.URL, APIKey: "key", Model: "gpt-4"})
	tools := []llm.Tool{llm.FunctionTool("query_backend", "Query a diagnostic backend", json.RawMessage(`{"type":"object"}`))}
	resp, err := client.Complete(context.Background(), []llm.Message{llm.UserMessage("link down")}, tools)
	if err != nil {
		t.Fatal(err)
	}

	if sent, _ := body["tools"].([]any); len(sent) != 1 {
		t.Errorf("expected 1 tool sent, got %v", body["tools"])
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_123" || call.Function.Name != "query_backend" {
		t.Errorf("unexpected call %+v", call)
	}
	if string(call.Function.Arguments) != `{"backend":"graph","query":"neighbors of core-1"}` {
		t.Errorf("expected decoded arguments, got %s", call.Function.Arguments)
	}
}

func TestCompleteStatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		temporary bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			client := New(&llm.Config{BaseURL: srv.URL, APIKey: "bad-key", Model: "gpt-4"})
			_, err := client.Complete(context.Background(), []llm.Message{llm.UserMessage("hello")}, nil)
			var se *llm.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if se.Code != tt.code || se.Temporary() != tt.temporary {
				t.Errorf("unexpected status error %+v", se)
			}
		})
	}
}

// A server that ignores stream=true and answers with one JSON body still
// yields a usable stream.
func TestStreamFallsBackToPlainJSON(t *testing.T) {
	srv := capture(t, completion(map[string]any{"role": "assistant", "content": "streamed response"}, 5, 3), nil, nil)

	client := New(&llm.Config{BaseURL: srv.URL, APIKey: "key", Model: "gpt-4"})
	stream, err := client.Stream(context.Background(), []llm.Message{llm.UserMessage("hello")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := llm.Drain(stream)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "streamed response" {
		t.Errorf("expected 'streamed response', got %q", resp.Content)
	}
}

func TestOpenAIClientStreamSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)
		if reqBody["stream"] != true {
			t.Errorf("expected stream=true, got %v", reqBody["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Link "}}]}`,
			`{"choices":[{"delta":{"content":"down."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"query_backend","arguments":"{\"que"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ry\":\"x\"}"}}]}}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
	stream, err := client.Stream(context.Background(), []llm.Message{llm.UserMessage("hello")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var content string
	var calls []llm.ToolCall
	for delta := range stream {
		if delta.Err != nil {
			t.Fatal(delta.Err)
		}
		content += delta.Content
		calls = append(calls, delta.ToolCalls...)
	}
	if content != "Link down." {
		t.Errorf("expected 'Link down.', got %q", content)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "query_backend" {
		t.Errorf("unexpected tool call %+v", calls[0])
	}
	if string(calls[0].Function.Arguments) != `{"query":"x"}` {
		t.Errorf("unexpected arguments %s", calls[0].Function.Arguments)
	}
}

func TestOpenAIClientSendsArgumentsAsString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody struct {
			Messages []struct {
				ToolCalls []struct {
					Function struct {
						Arguments any `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
				ToolCallID string `json:"tool_call_id"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if len(reqBody.Messages) != 2 || len(reqBody.Messages[0].ToolCalls) != 1 {
			t.Errorf("unexpected messages %+v", reqBody.Messages)
			return
		}
		if _, ok := reqBody.Messages[0].ToolCalls[0].Function.Arguments.(string); !ok {
			t.Errorf("expected string arguments, got %T", reqBody.Messages[0].ToolCalls[0].Function.Arguments)
		}
		if reqBody.Messages[1].ToolCallID != "call_1" {
			t.Errorf("expected tool_call_id call_1, got %q", reqBody.Messages[1].ToolCallID)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}}},
		})
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
	call := llm.ToolCall{ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: "query_backend", Arguments: json.RawMessage(`{"query":"x"}`)}}
	_, err := client.Complete(context.Background(), []llm.Message{
		llm.AssistantMessage("", []llm.ToolCall{call}),
		llm.ToolResult("call_1", "rows"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientRateLimitIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
	_, err := client.Stream(context.Background(), []llm.Message{llm.UserMessage("hello")}, nil)
	var se *llm.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusTooManyRequests || !se.Temporary() {
		t.Errorf("expected temporary 429, got %d", se.Code)
	}
}

func TestOpenAIClientProviderInterface(t *testing.T) {
	// Verify Client satisfies the llm.Provider interface at compile time.
	var _ llm.Provider = (*Client)(nil)
}
