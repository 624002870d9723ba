package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	ctxengine "github.com/user/incidentd/internal/context"
	"github.com/user/incidentd/pkg/llm"
)

// fakeProvider answers each Stream call with the next canned reply.
type fakeProvider struct {
	mu       sync.Mutex
	replies  []fakeReply
	requests [][]llm.Message
}

type fakeReply struct {
	deltas []llm.Delta
	err    error
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	f.mu.Lock()
	f.requests = append(f.requests, messages)
	if len(f.replies) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no reply scripted")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan llm.Delta, len(r.deltas))
	for _, d := range r.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) lastRequest() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recorder struct {
	mu       sync.Mutex
	starts   []string
	results  []string
	deltas   []string
	terminal []bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStepStart: func(name, query string) {
			r.mu.Lock()
			r.starts = append(r.starts, name+":"+query)
			r.mu.Unlock()
		},
		OnStepComplete: func(name, query, result string, took time.Duration) {
			r.mu.Lock()
			r.results = append(r.results, result)
			r.mu.Unlock()
		},
		OnMessageDelta: func(text string) {
			r.mu.Lock()
			r.deltas = append(r.deltas, text)
			r.mu.Unlock()
		},
		OnTerminal: func(ok bool, detail string) {
			r.mu.Lock()
			r.terminal = append(r.terminal, ok)
			r.mu.Unlock()
		},
	}
}

func newTestExecutor(t *testing.T, p llm.Provider) *LLMExecutor {
	t.Helper()
	engine, err := ctxengine.New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	tools, err := NewToolset(&echoTool{})
	if err != nil {
		t.Fatal(err)
	}
	return NewLLMExecutor(p, engine, tools, []string{"graph"}, 5)
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: json.RawMessage(args)}}
}

func TestLLMExecutorToolLoop(t *testing.T) {
	p := &fakeProvider{replies: []fakeReply{
		{deltas: []llm.Delta{{ToolCalls: []llm.ToolCall{toolCall("c1", "echo", `{"text":"hello"}`)}}}},
		{deltas: []llm.Delta{{Content: "Cable "}, {Content: "fault."}}},
	}}
	x := newTestExecutor(t, p)
	rec := &recorder{}

	res, err := x.Run(context.Background(), Request{SessionID: "s1", Scenario: "link-down", Input: "eth0 down"}, rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	if res.Diagnosis != "Cable fault." {
		t.Errorf("unexpected diagnosis %q", res.Diagnosis)
	}
	if res.Handle == "" {
		t.Error("expected a conversation handle")
	}
	if len(rec.starts) != 1 || rec.starts[0] != `echo:{"text":"hello"}` {
		t.Errorf("unexpected steps %v", rec.starts)
	}
	if len(rec.results) != 1 || rec.results[0] != "hello" {
		t.Errorf("unexpected step results %v", rec.results)
	}
	if len(rec.deltas) != 2 {
		t.Errorf("expected 2 deltas, got %v", rec.deltas)
	}
	if len(rec.terminal) != 1 || !rec.terminal[0] {
		t.Errorf("expected one successful terminal, got %v", rec.terminal)
	}

	last := p.lastRequest()
	if last[len(last)-1].Role != llm.RoleTool || last[len(last)-1].Content != "hello" {
		t.Errorf("expected tool result in follow-up request, got %+v", last[len(last)-1])
	}
}

func TestLLMExecutorContinuesHistory(t *testing.T) {
	p := &fakeProvider{replies: []fakeReply{
		{deltas: []llm.Delta{{Content: "first"}}},
		{deltas: []llm.Delta{{Content: "second"}}},
	}}
	x := newTestExecutor(t, p)

	res, err := x.Run(context.Background(), Request{SessionID: "s1", Input: "one"}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := x.Run(context.Background(), Request{SessionID: "s1", Input: "two", Handle: res.Handle}, Callbacks{}); err != nil {
		t.Fatal(err)
	}
	// system, one, first, two
	if got := len(p.lastRequest()); got != 4 {
		t.Fatalf("expected 4 messages in continued turn, got %d", got)
	}
}

func TestLLMExecutorUnknownToolReportsError(t *testing.T) {
	p := &fakeProvider{replies: []fakeReply{
		{deltas: []llm.Delta{{ToolCalls: []llm.ToolCall{toolCall("c1", "nope", `{}`)}}}},
		{deltas: []llm.Delta{{Content: "done"}}},
	}}
	x := newTestExecutor(t, p)
	rec := &recorder{}
	if _, err := x.Run(context.Background(), Request{Input: "x"}, rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	if len(rec.results) != 1 || rec.results[0] != `error: unknown tool "nope"` {
		t.Errorf("unexpected results %v", rec.results)
	}
}

func TestLLMExecutorTemporaryProviderErrorIsTransient(t *testing.T) {
	p := &fakeProvider{replies: []fakeReply{
		{err: &llm.StatusError{Code: http.StatusServiceUnavailable}},
	}}
	x := newTestExecutor(t, p)
	rec := &recorder{}
	_, err := x.Run(context.Background(), Request{Input: "x"}, rec.callbacks())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(rec.terminal) != 1 || rec.terminal[0] {
		t.Errorf("expected one failed terminal, got %v", rec.terminal)
	}
}

func TestLLMExecutorStreamErrorAborts(t *testing.T) {
	p := &fakeProvider{replies: []fakeReply{
		{deltas: []llm.Delta{{Content: "partial"}, {Err: errors.New("stream broke")}}},
	}}
	x := newTestExecutor(t, p)
	_, err := x.Run(context.Background(), Request{Input: "x"}, Callbacks{})
	if err == nil || IsTransient(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestLLMExecutorFailedTurnLeavesHistory(t *testing.T) {
	p := &fakeProvider{replies: []fakeReply{
		{deltas: []llm.Delta{{Content: "ok"}}},
		{err: errors.New("bad request")},
		{deltas: []llm.Delta{{Content: "ok again"}}},
	}}
	x := newTestExecutor(t, p)
	res, err := x.Run(context.Background(), Request{Input: "one"}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := x.Run(context.Background(), Request{Input: "two", Handle: res.Handle}, Callbacks{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := x.Run(context.Background(), Request{Input: "three", Handle: res.Handle}, Callbacks{}); err != nil {
		t.Fatal(err)
	}
	// system, one, ok, three
	if got := len(p.lastRequest()); got != 4 {
		t.Fatalf("expected failed turn to be discarded, got %d messages", got)
	}
}

func TestLLMExecutorMaxRounds(t *testing.T) {
	var replies []fakeReply
	for i := 0; i < 5; i++ {
		replies = append(replies, fakeReply{deltas: []llm.Delta{{ToolCalls: []llm.ToolCall{toolCall("c", "echo", `{"text":"x"}`)}}}})
	}
	x := newTestExecutor(t, &fakeProvider{replies: replies})
	if _, err := x.Run(context.Background(), Request{Input: "loop"}, Callbacks{}); err == nil {
		t.Fatal("expected max rounds error")
	}
}

func TestQueryOf(t *testing.T) {
	if got := queryOf(json.RawMessage(`{"backend":"graph","query":"neighbors of core-1"}`)); got != "neighbors of core-1" {
		t.Errorf("got %q", got)
	}
	if got := queryOf(json.RawMessage(`{"url":"bgp.html"}`)); got != "bgp.html" {
		t.Errorf("got %q", got)
	}
	if got := queryOf(json.RawMessage(`{"x":1}`)); got != `{"x":1}` {
		t.Errorf("got %q", got)
	}
}
