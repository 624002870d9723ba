package delivery

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/incidentd/internal/types"
)

// Handler delivers a message to a target such as "telegram:12345".
type Handler func(target, message string) error

// Registry routes messages to the appropriate delivery handler based on
// target prefix (e.g. "telegram:", "log:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler with the longest prefix matching target and
// calls it. Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	var best string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(target, prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for target: %s", target)
	}
	return handler(target, message)
}

// LogHandler writes deliveries to the structured log. It backs the "log:"
// target, which is handy when no chat integration is configured.
func LogHandler(target, message string) error {
	slog.Info("notification", "target", target, "message", message)
	return nil
}

// FormatOutcome renders a finished turn as a notification body.
func FormatOutcome(s types.Session) string {
	body := s.Diagnosis
	if s.Status == types.StatusFailed && s.LastError != "" {
		body = "error: " + s.LastError
	}
	if body == "" {
		body = "(no diagnosis)"
	}
	return fmt.Sprintf("[%s] %s %s\n\n%s", s.Status, s.Scenario, s.ID, body)
}

// Notifier fans finished turns out to a fixed set of targets.
type Notifier struct {
	registry *Registry
	targets  []string
	wg       sync.WaitGroup
}

// NewNotifier creates a Notifier that delivers to targets through registry.
func NewNotifier(registry *Registry, targets []string) *Notifier {
	return &Notifier{registry: registry, targets: targets}
}

// OnTurnComplete delivers the outcome of s to every target. It returns
// immediately; delivery runs on its own goroutine so a slow chat API
// never holds up the turn that finished.
func (n *Notifier) OnTurnComplete(s types.Session) {
	if len(n.targets) == 0 {
		return
	}
	msg := FormatOutcome(s)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, target := range n.targets {
			if err := n.registry.Deliver(target, msg); err != nil {
				slog.Warn("notification failed", "target", target, "session_id", string(s.ID), "error", err)
			}
		}
	}()
}

// Wait blocks until in-flight deliveries are done.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
