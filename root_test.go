package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/config"
)

func TestFlagLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		flags CLIFlags
		want  slog.Level
	}{
		{"default keeps base", CLIFlags{}, slog.LevelWarn},
		{"verbose", CLIFlags{Verbose: true}, slog.LevelInfo},
		{"debug", CLIFlags{Debug: true}, slog.LevelDebug},
		{"quiet", CLIFlags{Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, flagLevel(slog.LevelWarn, tt.flags))
		})
	}
}

func TestBuildLogger_ConfigLevelAndFlags(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	cfg.LogFormat = "text"

	logger, err := buildLogger(cfg, CLIFlags{})
	require.NoError(t, err)
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))

	logger, err = buildLogger(cfg, CLIFlags{Debug: true})
	require.NoError(t, err)
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug), "CLI flags beat config")
}

func TestBuildLogger_WritesLogFile(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.LogFormat = "json"
	cfg.LogFile = filepath.Join(t.TempDir(), "wardsync.log")

	logger, err := buildLogger(cfg, CLIFlags{Quiet: true})
	require.NoError(t, err)

	logger.Error("disk nearly full", slog.String("path", "/data"))

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"disk nearly full"`)
}

func TestUseJSONLogs(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()

	assert.True(t, useJSONLogs("json", f.Fd()))
	assert.False(t, useJSONLogs("text", f.Fd()))
	assert.True(t, useJSONLogs("auto", f.Fd()), "a regular file is not a terminal")
}

func TestMustCLIContext_PanicsWithoutContext(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { mustCLIContext(context.Background()) })

	cc := &CLIContext{}
	assert.Same(t, cc, mustCLIContext(withCLIContext(context.Background(), cc)))
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{
		"enqueue", "queue", "retry", "discard", "conflicts", "resolve", "show",
		"sync", "wake", "status", "config", "devserver",
	} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	path := writeCLIConfig(t, "", "batch_size = 0\n")

	_, err := runCLI(t, path, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestConfigShow_MasksToken(t *testing.T) {
	path := writeCLIConfig(t, "https://sync.example", `token = "device-secret"`+"\n")

	out := mustRunCLI(t, path, "config", "show")
	assert.Contains(t, out, `server_url    = "https://sync.example"`)
	assert.Contains(t, out, `token         = "********"`)
	assert.NotContains(t, out, "device-secret")

	out = mustRunCLI(t, path, "--json", "config", "show")
	assert.NotContains(t, out, "device-secret")
}
