package gateway

import (
	"context"
	"math"
	"time"

	"github.com/user/incidentd/internal/agent"
)

// DefaultMaxAttempts is the total number of attempts a turn gets when the
// execution service fails transiently.
const DefaultMaxAttempts = 2

// RetryPolicy controls how failed turn attempts are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with 2 attempts, 1s initial
// delay, 2x multiplier and 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry returns true if err is transient and attempt (1-indexed, the
// attempt that just failed) leaves room for another.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return agent.IsTransient(err)
}

// NextDelay returns the backoff delay after the given attempt number
// (1-indexed). The delay is InitialDelay * Multiplier^(attempt-1), capped
// at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Wait sleeps for the backoff after attempt. It returns false if ctx ends
// or interrupt is closed first.
func (p *RetryPolicy) Wait(ctx context.Context, attempt int, interrupt <-chan struct{}) bool {
	d := p.NextDelay(attempt)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-interrupt:
		return false
	}
}
