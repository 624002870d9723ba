// Package scheduler runs periodic work on a cron: the idle-persist sweep
// that saves finished sessions nobody saved explicitly, and scheduled
// investigation drills.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/incidentd/internal/state"
)

// Launcher starts an investigation for a drill.
type Launcher func(d state.Drill)

// Persister saves sessions that have been idle for at least idle.
type Persister interface {
	PersistIdle(ctx context.Context, idle time.Duration) (int, error)
}

// Options configures a Scheduler. Drills and Persister are both optional.
type Options struct {
	Drills        *state.DrillStore
	Launch        Launcher
	Persister     Persister
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Scheduler evaluates cron expressions from the drill store and runs the
// idle-persist sweep.
type Scheduler struct {
	opts Options

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Scheduler{
		opts: opts,
		cron: newCron(),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
}

// Start registers the sweep and every enabled drill that has a schedule,
// then starts the cron ticker.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Persister != nil {
		sweep := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(s.sweep))
		s.cron.Schedule(cron.Every(s.opts.SweepInterval), sweep)
		slog.Debug("idle sweep scheduled", "interval", s.opts.SweepInterval, "idle_timeout", s.opts.IdleTimeout)
	}

	if s.opts.Drills != nil && s.opts.Launch != nil {
		drills, err := s.opts.Drills.List()
		if err != nil {
			return err
		}
		for _, d := range drills {
			if d.Schedule == "" || !d.Enabled {
				continue
			}
			drill := *d
			_, err := s.cron.AddFunc(drill.Schedule, func() {
				slog.Info("cron firing drill", "name", drill.Name, "scenario", drill.Scenario)
				s.opts.Launch(drill)
			})
			if err != nil {
				slog.Error("invalid cron schedule", "name", drill.Name, "schedule", drill.Schedule, "error", err)
				continue
			}
			slog.Info("scheduled drill", "name", drill.Name, "schedule", drill.Schedule)
		}
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SweepInterval)
	defer cancel()
	n, err := s.opts.Persister.PersistIdle(ctx, s.opts.IdleTimeout)
	if err != nil {
		slog.Warn("idle sweep incomplete", "saved", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("idle sessions persisted", "count", n)
	}
}

// Reload stops the existing cron, creates a new one, and starts again.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	s.cron.Stop()
	s.cron = newCron()
	s.mu.Unlock()
	return s.Start()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cron.Entries())
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
