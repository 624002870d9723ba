package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptStep is one action of a scripted attempt. Exactly one of Step,
// Text or Err is normally set; Delay and Wait apply before the action.
type ScriptStep struct {
	Step   string
	Query  string
	Result string
	Text   string
	Err    error
	Delay  time.Duration
	// Wait blocks the step until the channel is closed.
	Wait <-chan struct{}
}

// ScriptedExecutor replays fixed scripts instead of calling a model. The
// n-th call to Run plays the n-th script; calls past the last script replay
// the last one.
type ScriptedExecutor struct {
	mu       sync.Mutex
	scripts  [][]ScriptStep
	requests []Request
}

// NewScriptedExecutor creates an executor that plays one script per attempt.
func NewScriptedExecutor(scripts ...[]ScriptStep) *ScriptedExecutor {
	return &ScriptedExecutor{scripts: scripts}
}

// Calls returns how many times Run has been invoked.
func (s *ScriptedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the requests seen so far.
func (s *ScriptedExecutor) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *ScriptedExecutor) next(req Request) []ScriptStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	if len(s.scripts) == 0 {
		return nil
	}
	if n >= len(s.scripts) {
		n = len(s.scripts) - 1
	}
	return s.scripts[n]
}

func (s *ScriptedExecutor) Run(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	script := s.next(req)
	var diagnosis strings.Builder
	for _, step := range script {
		if step.Wait != nil {
			select {
			case <-step.Wait:
			case <-ctx.Done():
				cb.terminal(false, ctx.Err().Error())
				return Result{}, ctx.Err()
			}
		}
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				cb.terminal(false, ctx.Err().Error())
				return Result{}, ctx.Err()
			}
		}
		switch {
		case step.Err != nil:
			cb.terminal(false, step.Err.Error())
			return Result{}, step.Err
		case step.Step != "":
			cb.stepStart(step.Step, step.Query)
			cb.stepComplete(step.Step, step.Query, step.Result, step.Delay)
		case step.Text != "":
			diagnosis.WriteString(step.Text)
			cb.messageDelta(step.Text)
		}
	}

	handle := req.Handle
	if handle == "" {
		handle = "scripted-" + uuid.NewString()
	}
	cb.terminal(true, "")
	return Result{Diagnosis: diagnosis.String(), Handle: handle}, nil
}

// DemoScript is a canned investigation used by the scripted provider.
func DemoScript(scenario string) []ScriptStep {
	topology := fmt.Sprintf("---QUERY---\nneighbors of the alerting device (%s)\n---RESULT---\ncore-1 -> agg-2 via eth0\ncore-1 -> agg-3 via eth1\n", scenario)
	telemetry := "---QUERY---\ninterface errors last 15m\n---RESULT---\neth0 crc_errors=1843 state=down\neth1 crc_errors=0 state=up\n" +
		"---QUERY---\nrecent changes on core-1\n---RESULT---\nno config changes in 24h\n"
	return []ScriptStep{
		{Step: "query_backend", Query: "topology around the alerting device", Result: topology, Delay: 200 * time.Millisecond},
		{Step: "query_backend", Query: "telemetry for affected interfaces", Result: telemetry, Delay: 300 * time.Millisecond},
		{Text: "**Summary**: eth0 on core-1 is down with rising CRC errors.\n", Delay: 100 * time.Millisecond},
		{Text: "**Evidence**: 1843 CRC errors in 15m, no recent config change.\n"},
		{Text: "**Impact**: agg-2 is single-homed through eth1.\n"},
		{Text: "**Next steps**: reseat or replace the optic on core-1 eth0.\n"},
	}
}

// DemoExecutor plays DemoScript for the scenario of each request.
type DemoExecutor struct{}

func (DemoExecutor) Run(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	return NewScriptedExecutor(DemoScript(req.Scenario)).Run(ctx, req, cb)
}
