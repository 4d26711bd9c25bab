package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/devserver"
	"github.com/hmsync/wardsync/internal/sync"
	"github.com/hmsync/wardsync/internal/transport"
)

// CLI tests share the global flag variables bound by newRootCmd, so they
// do not call t.Parallel.

// writeCLIConfig writes a config file with its own state directory.
func writeCLIConfig(t *testing.T, serverURL string, extra string) string {
	t.Helper()

	dir := t.TempDir()
	content := fmt.Sprintf(`server_url = %q
facility_id = "ward-3"
state_dir = %q
log_level = "error"
websocket_notify = false
watch_local = false
%s`, serverURL, filepath.Join(dir, "state"), extra)

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// runCLI executes the root command with --config and returns stdout.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func mustRunCLI(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()

	out, err := runCLI(t, cfgPath, args...)
	require.NoError(t, err, "wardsync %v", args)

	return out
}

func decodeJSON[T any](t *testing.T, raw string) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal([]byte(raw), &v), raw)

	return v
}

// startServer runs a devserver on a temporary SQLite database.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := devserver.OpenStore(context.Background(), filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hs := httptest.NewServer(devserver.New(store, devserver.Options{Logger: logger}).Handler())
	t.Cleanup(hs.Close)

	return hs
}

// openPeer opens a second device that talks to hs directly.
func openPeer(t *testing.T, hs *httptest.Server, deviceID string) *sync.Engine {
	t.Helper()

	client := transport.NewClient(hs.URL, hs.Client(), nil, slog.New(slog.DiscardHandler), "")

	eng, err := sync.NewEngine(context.Background(), &sync.EngineConfig{
		DBPath:    filepath.Join(t.TempDir(), deviceID+".db"),
		Device:    sync.DeviceContext{DeviceID: deviceID, FacilityID: "ward-3"},
		Transport: client,
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return eng
}
