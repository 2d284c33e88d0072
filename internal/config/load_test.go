package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.False(t, cfg.Server.Debug)
	assert.Equal(t, "caucode.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, time.Hour, cfg.Queue.BackoffCap)
	assert.Equal(t, "https://solved.ac/api/v3", cfg.SolvedAC.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.SolvedAC.Timeout)
	assert.Equal(t, 6*time.Hour, cfg.Profile.StaleAfter)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CAUCODE_SERVER_ADDR", ":9999")
	t.Setenv("CAUCODE_SERVER_LOG_LEVEL", "debug")
	t.Setenv("CAUCODE_QUEUE_WORKERS", "10")
	t.Setenv("CAUCODE_PROFILE_STALE_AFTER", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 10, cfg.Queue.Workers)
	assert.Equal(t, time.Hour, cfg.Profile.StaleAfter)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("CAUCODE_SERVER_LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadRejectsTooManyWorkers(t *testing.T) {
	t.Setenv("CAUCODE_QUEUE_WORKERS", "500")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
