package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runloom server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "text" or "json"

	// Engine safety limits; zero values fall back to the engine defaults.
	MaxEvents      int64 `json:"max_events"`
	TimeoutSeconds int   `json:"timeout_seconds"`
	RecursionLimit int   `json:"recursion_limit"`
	StrictEntry    bool  `json:"strict_entry"`
	DetectPatterns bool  `json:"detect_patterns"`

	// Event bus subscription tuning.
	BusCapacity      int `json:"bus_capacity"`
	KeepaliveSeconds int `json:"keepalive_seconds"`

	Scheduler bool `json:"scheduler"`

	// Model backend.
	Model        string `json:"model"`
	ModelBaseURL string `json:"model_base_url"`
	APIKeyEnv    string `json:"api_key_env"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(runloomDir(), "runloom.db"),
		LogLevel:       "info",
		LogFormat:      "text",
		Scheduler:      true,
		DetectPatterns: true,
		Model:          "gpt-4o-mini",
		APIKeyEnv:      "OPENAI_API_KEY",
	}
}

func runloomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runloom"
	}
	return filepath.Join(home, ".runloom")
}

func settingsPath() string {
	return filepath.Join(runloomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNLOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNLOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNLOOM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RUNLOOM_MAX_EVENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxEvents = n
		}
	}
	if v := os.Getenv("RUNLOOM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("RUNLOOM_RECURSION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecursionLimit = n
		}
	}
	if v := os.Getenv("RUNLOOM_STRICT_ENTRY"); v != "" {
		cfg.StrictEntry = boolEnv(v)
	}
	if v := os.Getenv("RUNLOOM_DETECT_PATTERNS"); v != "" {
		cfg.DetectPatterns = boolEnv(v)
	}
	if v := os.Getenv("RUNLOOM_BUS_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BusCapacity = n
		}
	}
	if v := os.Getenv("RUNLOOM_KEEPALIVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KeepaliveSeconds = n
		}
	}
	if v := os.Getenv("RUNLOOM_SCHEDULER"); v != "" {
		cfg.Scheduler = boolEnv(v)
	}
	if v := os.Getenv("RUNLOOM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("RUNLOOM_MODEL_BASE_URL"); v != "" {
		cfg.ModelBaseURL = v
	}
	if v := os.Getenv("RUNLOOM_API_KEY_ENV"); v != "" {
		cfg.APIKeyEnv = v
	}

	return cfg
}

func boolEnv(v string) bool {
	return v == "true" || v == "1"
}

// Timeout returns the configured run timeout, or zero for the engine default.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Keepalive returns the configured keepalive interval, or zero for the
// subscription default.
func (c Config) Keepalive() time.Duration {
	if c.KeepaliveSeconds <= 0 {
		return 0
	}
	return time.Duration(c.KeepaliveSeconds) * time.Second
}
