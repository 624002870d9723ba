package main

import (
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/incidentd/internal/state"
)

func init() {
	rootCmd.AddCommand(drillCmd)
	drillCmd.AddCommand(drillAddCmd, drillListCmd, drillRemoveCmd, drillEnableCmd, drillDisableCmd)

	drillAddCmd.Flags().String("name", "", "drill name (required)")
	drillAddCmd.Flags().String("scenario", "", "scenario to investigate (required)")
	drillAddCmd.Flags().String("alert", "", "alert text (required)")
	drillAddCmd.Flags().String("schedule", "", "cron schedule expression")
	_ = drillAddCmd.MarkFlagRequired("name")
	_ = drillAddCmd.MarkFlagRequired("scenario")
	_ = drillAddCmd.MarkFlagRequired("alert")
}

// reloadDaemon asks a running daemon to pick up drill changes. A daemon
// that is not running reads the file on its next start.
func reloadDaemon() {
	if _, err := daemon().signal(syscall.SIGUSR1); err == nil {
		fmt.Fprintln(os.Stdout, "Daemon reloaded.")
	}
}

var drillCmd = &cobra.Command{
	Use:   "drill",
	Short: "Manage scheduled investigation drills",
}

var drillAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new drill",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		scenario, _ := cmd.Flags().GetString("scenario")
		alert, _ := cmd.Flags().GetString("alert")
		schedule, _ := cmd.Flags().GetString("schedule")

		store := drillStore(loadConfig())
		drill := &state.Drill{
			Name:      name,
			Scenario:  scenario,
			AlertText: alert,
			Schedule:  schedule,
			Enabled:   true,
		}
		if err := store.Add(drill); err != nil {
			return fmt.Errorf("add drill: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Drill %q added.\n", name)
		reloadDaemon()
		return nil
	},
}

var drillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all drills",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		drills, err := drillStore(loadConfig()).List()
		if err != nil {
			return fmt.Errorf("list drills: %w", err)
		}

		if len(drills) == 0 {
			fmt.Println("No drills configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCENARIO\tSCHEDULE\tENABLED")
		for _, d := range drills {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", d.Name, d.Scenario, d.Schedule, d.Enabled)
		}
		return w.Flush()
	},
}

var drillRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a drill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := drillStore(loadConfig()).Remove(args[0]); err != nil {
			return fmt.Errorf("remove drill: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Drill %q removed.\n", args[0])
		reloadDaemon()
		return nil
	},
}

var drillEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a drill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := drillStore(loadConfig()).SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable drill: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Drill %q enabled.\n", args[0])
		reloadDaemon()
		return nil
	},
}

var drillDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a drill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := drillStore(loadConfig()).SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable drill: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Drill %q disabled.\n", args[0])
		reloadDaemon()
		return nil
	},
}
