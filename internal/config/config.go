package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	Session       struct {
		MaxRunAttempts    int      `json:"max_run_attempts" yaml:"max_run_attempts"`
		EventCap          int      `json:"event_cap" yaml:"event_cap"`
		SubscriberBuffer  int      `json:"subscriber_buffer" yaml:"subscriber_buffer"`
		HandoffBuffer     int      `json:"handoff_buffer" yaml:"handoff_buffer"`
		IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout"`
		SweepInterval     Duration `json:"sweep_interval" yaml:"sweep_interval"`
		RetryInitialDelay Duration `json:"retry_initial_delay" yaml:"retry_initial_delay"`
	} `json:"session" yaml:"session"`
	Storage struct {
		Driver      string `json:"driver" yaml:"driver"`
		ChunkSize   int    `json:"chunk_size" yaml:"chunk_size"`
		Compress    bool   `json:"compress" yaml:"compress"`
		MaxDocBytes int    `json:"max_doc_bytes" yaml:"max_doc_bytes"`
		SQL         struct {
			Dialect string `json:"dialect" yaml:"dialect"`
			DSN     string `json:"dsn" yaml:"dsn"`
		} `json:"sql" yaml:"sql"`
		Mongo struct {
			URI        string   `json:"uri" yaml:"uri"`
			Database   string   `json:"database" yaml:"database"`
			Collection string   `json:"collection" yaml:"collection"`
			Timeout    Duration `json:"timeout" yaml:"timeout"`
		} `json:"mongo" yaml:"mongo"`
	} `json:"storage" yaml:"storage"`
	Agent struct {
		Provider       string            `json:"provider" yaml:"provider"`
		MaxToolRounds  int               `json:"max_tool_rounds" yaml:"max_tool_rounds"`
		Backends       map[string]string `json:"backends" yaml:"backends"`
		RunbookBaseURL string            `json:"runbook_base_url" yaml:"runbook_base_url"`
	} `json:"agent" yaml:"agent"`
	LLM struct {
		Provider         string  `json:"provider" yaml:"provider"`
		BaseURL          string  `json:"base_url" yaml:"base_url"`
		APIKey           string  `json:"api_key" yaml:"api_key"`
		Model            string  `json:"model" yaml:"model"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	} `json:"llm" yaml:"llm"`
	HTTP struct {
		Enabled   bool     `json:"enabled" yaml:"enabled"`
		Listen    string   `json:"listen" yaml:"listen"`
		Heartbeat Duration `json:"heartbeat" yaml:"heartbeat"`
	} `json:"http" yaml:"http"`
	Telegram struct {
		Token string `json:"token" yaml:"token"`
	} `json:"telegram" yaml:"telegram"`
	Notify struct {
		Targets []string `json:"targets" yaml:"targets"`
	} `json:"notify" yaml:"notify"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".incidentd"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"

	cfg.Session.MaxRunAttempts = 2
	cfg.Session.EventCap = 2000
	cfg.Session.SubscriberBuffer = 64
	cfg.Session.HandoffBuffer = 64
	cfg.Session.IdleTimeout = Duration(10 * time.Minute)
	cfg.Session.SweepInterval = Duration(time.Minute)
	cfg.Session.RetryInitialDelay = Duration(time.Second)

	cfg.Storage.Driver = "file"
	cfg.Storage.ChunkSize = 100
	cfg.Storage.MaxDocBytes = 2 << 20
	cfg.Storage.SQL.Dialect = "sqlite"
	cfg.Storage.Mongo.Database = "incidentd"
	cfg.Storage.Mongo.Collection = "sessions"
	cfg.Storage.Mongo.Timeout = Duration(10 * time.Second)

	cfg.Agent.Provider = "scripted"
	cfg.Agent.MaxToolRounds = 20
	cfg.Agent.Backends = map[string]string{}

	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096

	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8088"
	cfg.HTTP.Heartbeat = Duration(15 * time.Second)
	return cfg
}

// Load reads the config at path over the defaults. A missing file is
// created with the defaults. Environment variables take precedence over
// both.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if uri := os.Getenv("INCIDENTD_MONGO_URI"); uri != "" {
		cfg.Storage.Mongo.URI = uri
	}
	if dsn := os.Getenv("INCIDENTD_SQL_DSN"); dsn != "" {
		cfg.Storage.SQL.DSN = dsn
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := marshal(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

// ToMap converts cfg into a nested map keyed by its JSON field names.
// Numbers come back as float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as a flat dot-keyed map, optionally with secrets
// masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot-separated key. Keys set in
// the file win over the defaults, so keys the Config struct does not know
// are still readable.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := lookup(raw, key); ok {
		return v, nil
	}
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	if v, ok := lookup(m, key); ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue stores value under a dot-separated key in the existing file at
// path. The value is parsed as JSON when possible (numbers, booleans,
// lists) and stored as a plain string otherwise.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	assign(raw, key, v)

	data, err := marshal(path, raw)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]any)
	if err := unmarshal(path, data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as a string such as "15s" in config
// files. Bare numbers are read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
