package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Server defaults (using promoted field access)
	assert.Empty(t, cfg.ServerURL)
	assert.Equal(t, "tablet", cfg.DeviceType)
	assert.Empty(t, cfg.Token)

	// Sync defaults
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Equal(t, "2s", cfg.BackoffBase)
	assert.Equal(t, "5m", cfg.BackoffMax)
	assert.InDelta(t, 0.2, cfg.BackoffJitter, 1e-9)
	assert.Equal(t, "5m", cfg.PollInterval)
	assert.Equal(t, 100, cfg.PullPageSize)
	assert.Equal(t, 20, cfg.MaxPullPages)
	assert.Equal(t, "168h", cfg.SyncedRetention)
	assert.True(t, cfg.WebsocketNotify)
	assert.True(t, cfg.WatchLocal)
	assert.Empty(t, cfg.EntityTypes)

	// Logging defaults
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.Empty(t, cfg.LogFile)

	// Network defaults
	assert.Equal(t, "10s", cfg.ConnectTimeout)
	assert.Equal(t, "60s", cfg.RequestTimeout)

	assert.NotNil(t, cfg.Policies)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "2s", cfg.BackoffBaseDuration().String())
	assert.Equal(t, "5m0s", cfg.BackoffMaxDuration().String())
	assert.Equal(t, "5m0s", cfg.PollIntervalDuration().String())
	assert.Equal(t, "168h0m0s", cfg.SyncedRetentionDuration().String())
	assert.Equal(t, "10s", cfg.ConnectTimeoutDuration().String())
	assert.Equal(t, "1m0s", cfg.RequestTimeoutDuration().String())

	cfg.PollInterval = "garbage"
	assert.Equal(t, "5m0s", cfg.PollIntervalDuration().String(), "falls back to the default")
}
