package devserver

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/sync"
	"github.com/hmsync/wardsync/internal/transport"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "server.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

type testServer struct {
	store *Store
	srv   *Server
	http  *httptest.Server
	reg   *prometheus.Registry
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()

	store := newTestStore(t)
	reg := prometheus.NewRegistry()
	srv := New(store, Options{Token: token, Logger: testLogger(t), Registry: reg})

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testServer{store: store, srv: srv, http: hs, reg: reg}
}

// newDevice opens an engine for one simulated device talking to ts.
func (ts *testServer) newDevice(t *testing.T, deviceID, token string) *sync.Engine {
	t.Helper()

	var tok transport.TokenSource
	if token != "" {
		tok = transport.StaticToken(token)
	}

	client := transport.NewClient(ts.http.URL, ts.http.Client(), tok, testLogger(t), "")

	eng, err := sync.NewEngine(context.Background(), &sync.EngineConfig{
		DBPath:    filepath.Join(t.TempDir(), deviceID+".db"),
		Device:    sync.DeviceContext{DeviceID: deviceID, FacilityID: "ward-3"},
		Transport: client,
		Logger:    testLogger(t).With(slog.String("device", deviceID)),
		Backoff:   sync.BackoffPolicy{Base: time.Second, Max: time.Minute},
	})
	require.NoError(t, err)

	t.Cleanup(func() { eng.Close() })

	return eng
}

func enqueue(t *testing.T, eng *sync.Engine, op sync.Operation, entityID string, payload sync.Record) *sync.QueueItem {
	t.Helper()

	item, err := eng.Enqueue(context.Background(), sync.Mutation{
		EntityType: "patient",
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
	})
	require.NoError(t, err)

	return item
}

func cycle(t *testing.T, eng *sync.Engine) *sync.CycleReport {
	t.Helper()

	report, err := eng.RunSyncCycle(context.Background())
	require.NoError(t, err)
	require.False(t, report.Skipped)

	return report
}

func pushItem(id, entityID, op string, base int64, payload map[string]any) transport.PushItem {
	return transport.PushItem{
		ID:          id,
		EntityType:  "patient",
		EntityID:    entityID,
		Operation:   op,
		Payload:     payload,
		BaseVersion: base,
		CreatedAt:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}
