package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"batch too small", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"batch too large", func(c *Config) { c.BatchSize = 501 }, "batch_size"},
		{"retries zero", func(c *Config) { c.MaxRetries = 0 }, "max_retries"},
		{"page size", func(c *Config) { c.PullPageSize = 5000 }, "pull_page_size"},
		{"pull pages", func(c *Config) { c.MaxPullPages = 0 }, "max_pull_pages"},
		{"negative jitter", func(c *Config) { c.BackoffJitter = -0.1 }, "backoff_jitter"},
		{"full jitter", func(c *Config) { c.BackoffJitter = 1 }, "backoff_jitter"},
		{"tiny backoff", func(c *Config) { c.BackoffBase = "10ms" }, "backoff_base"},
		{"max below base", func(c *Config) { c.BackoffBase = "1m"; c.BackoffMax = "30s" }, "backoff_max"},
		{"bad backoff max", func(c *Config) { c.BackoffMax = "forever" }, "backoff_max"},
		{"fast poll", func(c *Config) { c.PollInterval = "5s" }, "poll_interval"},
		{"short retention", func(c *Config) { c.SyncedRetention = "10m" }, "synced_retention"},
		{"empty entity type", func(c *Config) { c.EntityTypes = []string{"patient", ""} }, "entity_types[1]"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"connect timeout", func(c *Config) { c.ConnectTimeout = "100ms" }, "connect_timeout"},
		{"request timeout", func(c *Config) { c.RequestTimeout = "bogus" }, "request_timeout"},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "9464" }, "metrics_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Server(t *testing.T) {
	tests := []struct {
		name    string
		server  ServerConfig
		wantErr string
	}{
		{"valid token", ServerConfig{ServerURL: "https://sync.example", Token: "t"}, ""},
		{"bad scheme", ServerConfig{ServerURL: "ftp://sync.example"}, "server_url"},
		{"no host", ServerConfig{ServerURL: "https://"}, "server_url"},
		{"both auth methods", ServerConfig{Token: "t", ClientID: "c", ClientSecret: "s", TokenURL: "https://a/t"}, "set one authentication method"},
		{"incomplete client credentials", ServerConfig{ClientID: "c"}, "requires client_secret and token_url"},
		{"bad token url", ServerConfig{ClientID: "c", ClientSecret: "s", TokenURL: "mailto:x"}, "token_url"},
		{"valid client credentials", ServerConfig{ClientID: "c", ClientSecret: "s", TokenURL: "https://auth.example/token"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ServerConfig = tt.server

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Policies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policies = map[string]PolicyConfig{
		"vital_sign": {Strategy: "last_writer_wins", Fields: []string{"pulse"}, TimestampField: "recorded_at"},
		"patient":    {Strategy: "manual"},
	}
	require.NoError(t, Validate(cfg))

	cfg.Policies["encounter"] = PolicyConfig{Strategy: "server_wins"}
	cfg.Policies["allergy"] = PolicyConfig{Strategy: "manual", Fields: []string{"severity"}}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy.encounter.strategy")
	assert.Contains(t, err.Error(), "policy.allergy: fields and timestamp_field")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	cfg.LogLevel = "loud"
	cfg.ConnectTimeout = "0s"

	err := Validate(cfg)
	require.Error(t, err)

	for _, field := range []string{"batch_size", "log_level", "connect_timeout"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidateResolved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/wardsync"
	assert.NoError(t, ValidateResolved(cfg))

	cfg.StateDir = ""
	assert.ErrorContains(t, ValidateResolved(cfg), "state_dir")

	cfg.StateDir = "/var/lib/wardsync"
	cfg.ServerURL = "localhost:8080"
	assert.ErrorContains(t, ValidateResolved(cfg), "server_url")
}
