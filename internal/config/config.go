// Package config holds the daemon configuration: defaults, environment
// overrides via envconfig, and an optional JSON file overlay that can be
// re-applied while the daemon runs. Each envconfig tag carries the full
// variable name, e.g. TERMBRIDGE_HTTP_ADDR.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Session SessionConfig `json:"session"`
	Log     LogConfig     `json:"log"`
}

// HTTPConfig holds the listener and auth settings.
type HTTPConfig struct {
	Addr  string `envconfig:"TERMBRIDGE_HTTP_ADDR" default:"127.0.0.1:0" json:"addr"`
	Token string `envconfig:"TERMBRIDGE_TOKEN" default:"" json:"token"`
}

// SessionConfig holds per-session bridge settings.
type SessionConfig struct {
	ReplayLimit    int      `envconfig:"TERMBRIDGE_REPLAY_LIMIT" default:"262144" json:"replayLimit"`
	OrphanGrace    Duration `envconfig:"TERMBRIDGE_ORPHAN_GRACE" default:"30s" json:"orphanGrace"`
	StdoutThrottle Duration `envconfig:"TERMBRIDGE_STDOUT_THROTTLE" default:"200ms" json:"stdoutThrottle"`
	HistoryPath    string   `envconfig:"TERMBRIDGE_HISTORY_PATH" default:"" json:"historyPath"`
	HistoryLimit   int      `envconfig:"TERMBRIDGE_HISTORY_LIMIT" default:"100" json:"historyLimit"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `envconfig:"TERMBRIDGE_LOG_LEVEL" default:"info" json:"level"`
	Format     string `envconfig:"TERMBRIDGE_LOG_FORMAT" default:"console" json:"format"`
	File       string `envconfig:"TERMBRIDGE_LOG_FILE" default:"" json:"file"`
	MaxSizeMB  int    `envconfig:"TERMBRIDGE_LOG_MAX_SIZE_MB" default:"50" json:"maxSizeMb"`
	MaxBackups int    `envconfig:"TERMBRIDGE_LOG_MAX_BACKUPS" default:"3" json:"maxBackups"`
	MaxAgeDays int    `envconfig:"TERMBRIDGE_LOG_MAX_AGE_DAYS" default:"14" json:"maxAgeDays"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:0",
		},
		Session: SessionConfig{
			ReplayLimit:    262144,
			OrphanGrace:    Duration(30 * time.Second),
			StdoutThrottle: Duration(200 * time.Millisecond),
			HistoryLimit:   100,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// ApplyFile overlays the JSON config file at path onto cfg. A missing file
// leaves cfg untouched.
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
