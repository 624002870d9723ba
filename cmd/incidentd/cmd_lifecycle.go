package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
	stopCmd.Flags().Duration("wait", 0, "wait up to this long for the daemon to exit")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long:  "Stop sends SIGTERM. The daemon persists every unsaved session before it exits.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := daemon()
		pid, err := pf.signal(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", pid)

		wait, _ := cmd.Flags().GetDuration("wait")
		if wait <= 0 {
			return nil
		}
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if _, err := pf.process(); errors.Is(err, errNotRunning) {
				fmt.Fprintln(os.Stdout, "Daemon stopped.")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon (PID %d) still running after %s", pid, wait)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Long:  "Restart sends SIGHUP. The daemon shuts down gracefully and re-executes itself with the current config.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemon().signal(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and how many turns are active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		proc, err := daemonPIDFile(cfg.DataDir).process()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Daemon running (PID %d).\n", proc.Pid)

		var health struct {
			Status string `json:"status"`
			Active int    `json:"active"`
		}
		if err := apiCall(cfg, http.MethodGet, "/health", nil, &health); err != nil {
			fmt.Fprintf(os.Stdout, "HTTP API: %v\n", err)
			return nil
		}
		fmt.Fprintf(os.Stdout, "HTTP API: %s on %s, %d active turn(s).\n", health.Status, cfg.HTTP.Listen, health.Active)
		return nil
	},
}
