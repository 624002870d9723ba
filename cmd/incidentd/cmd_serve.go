package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/incidentd/internal/config"
	"github.com/user/incidentd/internal/delivery"
	"github.com/user/incidentd/internal/gateway"
	"github.com/user/incidentd/internal/runtime"
	"github.com/user/incidentd/internal/scheduler"
	"github.com/user/incidentd/internal/state"
	"github.com/user/incidentd/internal/telegram"
	"github.com/user/incidentd/internal/types"
	"github.com/user/incidentd/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the incidentd daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func drillStore(cfg *config.Config) *state.DrillStore {
	return state.NewDrillStore(filepath.Join(cfg.DataDir, "drills.json"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pf := daemonPIDFile(cfg.DataDir)
	if err := pf.write(); err != nil {
		return err
	}
	defer pf.remove()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec, closeStore, err := openCodec(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	executor, err := buildExecutor(cfg)
	if err != nil {
		return err
	}

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", delivery.LogHandler)
	notifier := delivery.NewNotifier(deliveryReg, cfg.Notify.Targets)
	defer notifier.Wait()

	var adapter *telegram.Adapter
	onTurnComplete := func(s types.Session) {
		notifier.OnTurnComplete(s)
		if adapter != nil {
			adapter.OnTurnComplete(s)
		}
	}

	gw := gateway.New(codec,
		gateway.WithOnTurnComplete(onTurnComplete),
		gateway.WithBusLimits(cfg.Session.EventCap, cfg.Session.SubscriberBuffer),
		gateway.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
	)

	policy := gateway.DefaultRetryPolicy()
	policy.InitialDelay = cfg.Session.RetryInitialDelay.Std()
	rt := runtime.New(executor,
		runtime.WithRetryPolicy(policy),
		runtime.WithMaxAttempts(cfg.Session.MaxRunAttempts),
		runtime.WithHandoffBuffer(cfg.Session.HandoffBuffer),
	)
	gw.Queue.SetProcessor(rt.ProcessTurn)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err = telegram.New(cfg.Telegram.Token, gw)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		adapter.Register(deliveryReg)
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	gw.Start(ctx)
	// Stop persists every dirty session before the store is closed.
	defer gw.Stop()

	slog.Info("incidentd started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"agent", cfg.Agent.Provider,
		"max_concurrent", cfg.MaxConcurrent,
		"max_run_attempts", cfg.Session.MaxRunAttempts,
		"pid_file", string(pf),
	)

	// Scheduler
	drills := drillStore(cfg)
	sched := scheduler.New(scheduler.Options{
		Drills: drills,
		Launch: func(d state.Drill) {
			sess, err := gw.Create(ctx, d.Scenario, d.AlertText)
			if err != nil {
				slog.Error("drill failed to start", "name", d.Name, "error", err)
				return
			}
			slog.Info("drill started", "name", d.Name, "session_id", string(sess.ID))
		},
		Persister:     gw,
		IdleTimeout:   cfg.Session.IdleTimeout.Std(),
		SweepInterval: cfg.Session.SweepInterval.Std(),
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "entries", sched.Entries())

	// HTTP API
	if cfg.HTTP.Enabled {
		srv := webhook.NewServer(gw,
			webhook.WithDrills(drills),
			webhook.WithHeartbeat(cfg.HTTP.Heartbeat.Std()),
		)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGUSR1:
			slog.Info("received SIGUSR1, reloading drills")
			if err := sched.Reload(); err != nil {
				slog.Error("reload drills failed", "error", err)
			}
			continue
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Exec does not run deferred calls, so shut down by hand first.
			cancel()
			sched.Stop()
			gw.Stop()
			notifier.Wait()
			closeStore()
			pf.remove()
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return err
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
