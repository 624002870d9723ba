package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/incidentd/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("incidentd setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Agent.Provider = prompt(scanner, "Agent provider (scripted, openai)", cfg.Agent.Provider)
		if cfg.Agent.Provider == "openai" {
			cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
			cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
			cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)
			backends := prompt(scanner, "Backends (name=url, comma separated)", joinBackends(cfg.Agent.Backends))
			cfg.Agent.Backends = parseBackends(backends)
		}

		cfg.Storage.Driver = prompt(scanner, "Storage driver (file, sql, mongo, memory)", cfg.Storage.Driver)
		switch cfg.Storage.Driver {
		case "sql":
			cfg.Storage.SQL.Dialect = prompt(scanner, "SQL dialect (sqlite, mysql)", cfg.Storage.SQL.Dialect)
			cfg.Storage.SQL.DSN = prompt(scanner, "SQL DSN", cfg.Storage.SQL.DSN)
		case "mongo":
			cfg.Storage.Mongo.URI = prompt(scanner, "MongoDB URI", cfg.Storage.Mongo.URI)
			cfg.Storage.Mongo.Database = prompt(scanner, "MongoDB database", cfg.Storage.Mongo.Database)
		}

		cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func joinBackends(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for name, url := range m {
		parts = append(parts, name+"="+url)
	}
	return strings.Join(parts, ",")
}

func parseBackends(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && name != "" && url != "" {
			out[name] = url
		}
	}
	return out
}
