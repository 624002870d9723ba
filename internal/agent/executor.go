// Package agent defines the contract of the external agent execution
// service and provides a reference implementation on top of an LLM
// provider with tools.
package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/user/incidentd/internal/types"
)

// Request is one turn's input to an Executor.
type Request struct {
	SessionID types.SessionID
	Scenario  string
	Input     string
	// Handle continues a previous conversation; empty starts a new one.
	Handle string
}

// Result is what a successful Run returns.
type Result struct {
	Diagnosis string
	Handle    string
}

// Callbacks receive progress while Run is executing. They are invoked on
// the executor's goroutine; nil callbacks are skipped.
type Callbacks struct {
	OnStepStart    func(name, query string)
	OnStepComplete func(name, query, result string, took time.Duration)
	OnMessageDelta func(text string)
	OnTerminal     func(ok bool, detail string)
}

func (c Callbacks) stepStart(name, query string) {
	if c.OnStepStart != nil {
		c.OnStepStart(name, query)
	}
}

func (c Callbacks) stepComplete(name, query, result string, took time.Duration) {
	if c.OnStepComplete != nil {
		c.OnStepComplete(name, query, result, took)
	}
}

func (c Callbacks) messageDelta(text string) {
	if c.OnMessageDelta != nil && text != "" {
		c.OnMessageDelta(text)
	}
}

func (c Callbacks) terminal(ok bool, detail string) {
	if c.OnTerminal != nil {
		c.OnTerminal(ok, detail)
	}
}

// Executor runs one blocking, callback-driven investigation turn.
type Executor interface {
	Run(ctx context.Context, req Request, cb Callbacks) (Result, error)
}

// ErrTransient marks failures caused by temporary capacity or availability
// conditions of the execution service.
var ErrTransient = errors.New("transient")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

var transientMarkers = []string{
	"429",
	"503",
	"rate limit",
	"too many requests",
	"capacity",
	"overloaded",
	"unavailable",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporary failure",
}

// IsTransient classifies err. Errors marked with Transient, net timeouts,
// and errors whose message names a capacity or availability condition are
// transient; everything else is fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
