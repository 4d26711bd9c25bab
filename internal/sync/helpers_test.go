package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestEngine opens an engine on a temp database wired to srv. Extra
// options are applied to the config before the engine is built.
func newTestEngine(t *testing.T, srv Transport, opts ...func(*EngineConfig)) *Engine {
	t.Helper()

	cfg := &EngineConfig{
		DBPath:    filepath.Join(t.TempDir(), "device.db"),
		Device:    DeviceContext{DeviceID: "device-a", FacilityID: "ward-3"},
		Transport: srv,
		Logger:    testLogger(t),
		Backoff:   BackoffPolicy{Base: time.Second, Max: time.Minute, randFunc: func() float64 { return 0.5 }},
	}

	for _, o := range opts {
		o(cfg)
	}

	eng, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { eng.Close() })

	return eng
}

// fakeClock is a controllable time source for store.nowFunc.
type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Millisecond)

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fakeRecord struct {
	version int64
	record  Record
	deleted bool
}

// fakeServer is an in-memory optimistic-concurrency server. Every accepted
// write bumps the entity version and is appended to the change feed.
type fakeServer struct {
	mu      stdsync.Mutex
	records map[string]*fakeRecord
	feed    []RemoteChange
	applied map[string]PushResult

	pushErr  error
	pullErr  error
	forced   map[string]PushResult // per item id overrides
	pushes   int
	pulls    int
	received []PushItem
	onPush   func()
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records: make(map[string]*fakeRecord),
		applied: make(map[string]PushResult),
		forced:  make(map[string]PushResult),
	}
}

func fakeKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// seed writes a record as if another device had created or edited it.
func (s *fakeServer) seed(entityType, entityID string, r Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(entityType, entityID, OpUpdate, r, "device-b")
}

// remove deletes a record as if another device had deleted it.
func (s *fakeServer) remove(entityType, entityID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(entityType, entityID, OpDelete, nil, "device-b")
}

func (s *fakeServer) write(entityType, entityID string, op Operation, patch Record, origin string) int64 {
	key := fakeKey(entityType, entityID)

	rec, ok := s.records[key]
	if !ok {
		rec = &fakeRecord{}
		s.records[key] = rec
	}

	rec.version++

	if op == OpDelete {
		rec.deleted = true
		rec.record = nil
	} else {
		if rec.deleted || op == OpCreate {
			rec.record = nil
		}

		rec.deleted = false
		rec.record = rec.record.Overlay(patch)
		rec.record["id"] = entityID
		rec.record["version"] = float64(rec.version)
	}

	s.feed = append(s.feed, RemoteChange{
		EntityType:   entityType,
		EntityID:     entityID,
		Operation:    op,
		Version:      rec.version,
		Record:       rec.record.Clone(),
		OriginDevice: origin,
	})

	return rec.version
}

func (s *fakeServer) current(entityType, entityID string) (Record, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fakeKey(entityType, entityID)]
	if !ok || rec.deleted {
		return nil, 0
	}

	return rec.record.Clone(), rec.version
}

func (s *fakeServer) setPushErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushErr = err
}

func (s *fakeServer) Push(_ context.Context, req *PushRequest) (*PushResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushes++
	if s.onPush != nil {
		s.onPush()
	}

	if s.pushErr != nil {
		return nil, s.pushErr
	}

	resp := &PushResponse{}

	for _, it := range req.Items {
		s.received = append(s.received, it)

		if r, ok := s.forced[it.ID]; ok {
			resp.Results = append(resp.Results, r)
			continue
		}

		if r, ok := s.applied[it.ID]; ok {
			resp.Results = append(resp.Results, r)
			continue
		}

		r := s.apply(it, req.Device.DeviceID)
		if r.Status == PushApplied {
			s.applied[it.ID] = r
		}

		resp.Results = append(resp.Results, r)
	}

	return resp, nil
}

func (s *fakeServer) apply(it PushItem, origin string) PushResult {
	rec, exists := s.records[fakeKey(it.EntityType, it.EntityID)]
	live := exists && !rec.deleted

	conflict := func() PushResult {
		r := PushResult{ID: it.ID, Status: PushConflict, ServerVersion: rec.version}
		if live {
			r.Record = rec.record.Clone()
		} else {
			r.ServerDeleted = true
		}

		return r
	}

	switch it.Operation {
	case OpCreate:
		if live {
			return conflict()
		}
	case OpUpdate:
		if !exists {
			return PushResult{ID: it.ID, Status: PushRejected, Error: "record does not exist"}
		}

		if !live || rec.version != it.BaseVersion {
			return conflict()
		}
	case OpDelete:
		if !live || rec.version != it.BaseVersion {
			return conflict()
		}
	}

	v := s.write(it.EntityType, it.EntityID, it.Operation, it.Payload, origin)

	return PushResult{ID: it.ID, Status: PushApplied, NewVersion: v, Record: s.records[fakeKey(it.EntityType, it.EntityID)].record.Clone()}
}

func (s *fakeServer) Pull(_ context.Context, req *PullRequest) (*PullResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pulls++

	if s.pullErr != nil {
		return nil, s.pullErr
	}

	start := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cursor %q", ErrPermanent, req.Cursor)
		}

		start = n
	}

	end := min(start+req.Limit, len(s.feed))

	changes := make([]RemoteChange, 0, end-start)
	changes = append(changes, s.feed[start:end]...)

	return &PullResponse{
		Changes: changes,
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(s.feed),
	}, nil
}

func mustEnqueue(t *testing.T, eng *Engine, m Mutation) *QueueItem {
	t.Helper()

	item, err := eng.Enqueue(context.Background(), m)
	require.NoError(t, err)

	return item
}

func mustCycle(t *testing.T, eng *Engine) *CycleReport {
	t.Helper()

	report, err := eng.RunSyncCycle(context.Background())
	require.NoError(t, err)

	return report
}
