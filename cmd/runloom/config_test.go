package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.Scheduler)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.APIKeyEnv)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RUNLOOM_DB_PATH", "/tmp/custom.db")
	t.Setenv("RUNLOOM_LOG_LEVEL", "debug")
	t.Setenv("RUNLOOM_LOG_FORMAT", "json")
	t.Setenv("RUNLOOM_MAX_EVENTS", "500")
	t.Setenv("RUNLOOM_TIMEOUT_SECONDS", "120")
	t.Setenv("RUNLOOM_RECURSION_LIMIT", "25")
	t.Setenv("RUNLOOM_SCHEDULER", "false")
	t.Setenv("RUNLOOM_MODEL", "gpt-4o")
	t.Setenv("RUNLOOM_KEEPALIVE_SECONDS", "15")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, int64(500), cfg.MaxEvents)
	assert.Equal(t, 120*time.Second, cfg.Timeout())
	assert.Equal(t, 25, cfg.RecursionLimit)
	assert.False(t, cfg.Scheduler)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 15*time.Second, cfg.Keepalive())
}

func TestLoadConfigIgnoresBadNumbers(t *testing.T) {
	t.Setenv("RUNLOOM_MAX_EVENTS", "lots")
	t.Setenv("RUNLOOM_TIMEOUT_SECONDS", "soon")

	cfg := loadConfig()

	assert.Equal(t, int64(0), cfg.MaxEvents)
	assert.Equal(t, time.Duration(0), cfg.Timeout())
}
