package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/incidentd/internal/config"
	"github.com/user/incidentd/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionStartCmd, sessionSaveCmd, sessionDeleteCmd)

	sessionShowCmd.Flags().Bool("events", false, "print the event log")
	sessionStartCmd.Flags().BoolP("follow", "f", false, "stream events until the turn finishes")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage investigation sessions",
}

// apiCall sends a request to the running daemon's HTTP API and decodes a
// JSON response into out when out is non-nil.
func apiCall(cfg *config.Config, method, path string, body, out any) error {
	if !cfg.HTTP.Enabled {
		return fmt.Errorf("http api is disabled (http.enabled=false)")
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+cfg.HTTP.Listen+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.HTTP.Listen, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		codec, closeStore, err := openCodec(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		list, err := codec.ListManifests(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCENARIO\tSTATUS\tTURNS\tEVENTS\tUPDATED")
		for _, m := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				m.SessionID,
				m.Scenario,
				m.Status,
				m.TurnCount,
				m.EventCount,
				m.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		cfg := loadConfig()
		ctx := context.Background()
		codec, closeStore, err := openCodec(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		s, err := codec.Decode(ctx, id)
		if err != nil {
			return err
		}

		fmt.Printf("Session:   %s\n", s.ID)
		fmt.Printf("Scenario:  %s\n", s.Scenario)
		fmt.Printf("Status:    %s\n", s.Status)
		fmt.Printf("Turns:     %d\n", s.TurnCount)
		fmt.Printf("Events:    %d\n", len(s.Events))
		if s.Partial {
			fmt.Println("Warning:   some event chunks are missing")
		}
		if s.LastError != "" {
			fmt.Printf("Error:     %s\n", s.LastError)
		}
		fmt.Printf("Alert:     %s\n", s.AlertText)
		if s.Diagnosis != "" {
			fmt.Printf("\n%s\n", s.Diagnosis)
		}

		if showEvents, _ := cmd.Flags().GetBool("events"); showEvents {
			fmt.Println()
			for _, ev := range s.Events {
				fmt.Printf("%5d  %s  %-16s %s\n", ev.Index, ev.Timestamp.Local().Format("15:04:05.000"), ev.Kind, ev.Payload)
			}
		}
		return nil
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <scenario> <alert text...>",
	Short: "Start an investigation on the running daemon",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		var sum types.SessionSummary
		body := map[string]string{"scenario": args[0], "alert_text": strings.Join(args[1:], " ")}
		if err := apiCall(cfg, http.MethodPost, "/api/sessions", body, &sum); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s started.\n", sum.ID)

		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			return followStream(cfg, sum.ID)
		}
		return nil
	},
}

// followStream prints events from the session stream until the turn ends.
func followStream(cfg *config.Config, id types.SessionID) error {
	resp, err := http.Get("http://" + cfg.HTTP.Listen + "/api/sessions/" + string(id) + "/stream")
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: %s", resp.Status)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "heartbeat" {
				continue
			}
			printEvent(types.EventKind(event), data)
			if event == string(types.KindRunCompleted) || event == string(types.KindError) {
				fmt.Println()
				return nil
			}
		}
	}
	return scanner.Err()
}

func printEvent(kind types.EventKind, data string) {
	var p map[string]any
	json.Unmarshal([]byte(data), &p)
	switch kind {
	case types.KindMessageDelta:
		fmt.Print(p["text"])
	case types.KindStepStarted:
		fmt.Printf("-> %v: %v\n", p["name"], p["query"])
	case types.KindStepCompleted:
		fmt.Printf("<- %v (%vms)\n", p["name"], p["duration_ms"])
	case types.KindStatusChanged:
		fmt.Printf("[status] %v\n", p["status"])
	case types.KindError:
		fmt.Printf("\n[error] %v\n", p["detail"])
	case types.KindRunCompleted:
		fmt.Printf("\n[%v after %v attempt(s)]", p["outcome"], p["attempts"])
	}
}

var sessionSaveCmd = &cobra.Command{
	Use:   "save <id>",
	Short: "Persist a live session on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		var out map[string]any
		if err := apiCall(loadConfig(), http.MethodPost, "/api/sessions/"+string(id)+"/save", nil, &out); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s saved (%v chunks).\n", id, out["chunk_count"])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseSessionID(args[0])
		if err != nil {
			return err
		}
		cfg := loadConfig()

		// A running daemon may hold the session in memory; let it do the
		// delete so the live copy goes too.
		if _, err := daemon().process(); err == nil {
			if err := apiCall(cfg, http.MethodDelete, "/api/sessions/"+string(id), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Session %s deleted.\n", id)
			return nil
		}

		ctx := context.Background()
		codec, closeStore, err := openCodec(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := codec.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s deleted.\n", id)
		return nil
	},
}
