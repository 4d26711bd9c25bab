package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/sync"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, StaticToken("test-token"), slog.Default(), "test-agent")
	c.sleepFunc = noopSleep

	return c
}

var testDevice = sync.DeviceContext{DeviceID: "device-a", FacilityID: "ward-3"}

func TestDo_SetsHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "device-a", r.Header.Get(headerDeviceID))
		assert.Equal(t, "ward-3", r.Header.Get(headerFacilityID))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Do(context.Background(), http.MethodPost, "/x", []byte(`{}`), testDevice)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_RetriesServerErrorsWithBody(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(body), "body is resent on every attempt")

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Do(context.Background(), http.MethodPost, "/x", []byte(`{"a":1}`), testDevice)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("X-Request-ID", "req-9")
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/x", nil, testDevice)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "req-9", se.RequestID)
	assert.Equal(t, "overloaded", se.Message)
	assert.ErrorIs(t, err, ErrServerError)
	assert.ErrorIs(t, err, sync.ErrTransient)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   int
		sentinel error
		class    error
	}{
		{http.StatusBadRequest, ErrBadRequest, sync.ErrPermanent},
		{http.StatusUnprocessableEntity, ErrBadRequest, sync.ErrPermanent},
		{http.StatusUnauthorized, ErrUnauthorized, sync.ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden, sync.ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound, sync.ErrPermanent},
		{http.StatusConflict, ErrConflict, sync.ErrPermanent},
		{http.StatusGone, ErrGone, sync.ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/x", nil, testDevice)
			require.ErrorIs(t, err, tt.sentinel)
			require.ErrorIs(t, err, tt.class)
			assert.False(t, IsTransient(err))
		})
	}
}

func TestRetryBackoff_HonorsRetryAfter(t *testing.T) {
	t.Parallel()

	c := NewClient("http://unused", nil, nil, nil, "")

	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"7"}}}
	assert.Equal(t, 7*time.Second, c.retryBackoff(resp, 0))

	resp.Header.Set("Retry-After", "3600")
	assert.Equal(t, maxBackoff, c.retryBackoff(resp, 0))

	resp.Header.Set("Retry-After", "soon")
	d := c.retryBackoff(resp, 0)
	assert.GreaterOrEqual(t, d, time.Duration(float64(baseBackoff)*(1-jitterFraction)))
	assert.LessOrEqual(t, d, time.Duration(float64(baseBackoff)*(1+jitterFraction)))
}

func TestDo_UnreachableServerIsOffline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Do(context.Background(), http.MethodGet, "/x", nil, testDevice)
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrOffline)
}

func TestDo_TokenFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	c := NewClient(srv.URL, nil, failingToken{}, slog.Default(), "")
	c.sleepFunc = noopSleep

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, testDevice)
	require.ErrorIs(t, err, sync.ErrUnauthorized)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDo_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).Do(ctx, http.MethodGet, "/x", nil, testDevice)
	require.ErrorIs(t, err, context.Canceled)
}

type failingToken struct{}

func (failingToken) Token() (string, error) {
	return "", errors.New("token error")
}

func TestPush_EncodesAndDecodes(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPush, r.URL.Path)

		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "device-a", req.Device.DeviceID)
		require.Len(t, req.Items, 2)
		assert.Equal(t, "UPDATE", req.Items[0].Operation)
		assert.Equal(t, int64(4), req.Items[0].BaseVersion)
		assert.Equal(t, created, req.Items[0].CreatedAt)
		assert.Equal(t, map[string]any{}, req.Items[1].Payload, "deletes carry an empty object")

		_ = json.NewEncoder(w).Encode(PushResponse{Results: []PushResult{
			{ID: "i1", Status: "applied", NewVersion: 5, Record: map[string]any{"phone": "0244"}},
			{ID: "i2", Status: "conflict", ServerVersion: 9, ServerDeleted: true},
		}})
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Push(context.Background(), &sync.PushRequest{
		Device: testDevice,
		Items: []sync.PushItem{
			{ID: "i1", EntityType: "patient", EntityID: "p1", Operation: sync.OpUpdate, Payload: sync.Record{"phone": "0244"}, BaseVersion: 4, CreatedAt: created},
			{ID: "i2", EntityType: "patient", EntityID: "p2", Operation: sync.OpDelete, BaseVersion: 8, CreatedAt: created},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, sync.PushApplied, resp.Results[0].Status)
	assert.Equal(t, int64(5), resp.Results[0].NewVersion)
	assert.Equal(t, sync.Record{"phone": "0244"}, resp.Results[0].Record)
	assert.Equal(t, sync.PushConflict, resp.Results[1].Status)
	assert.True(t, resp.Results[1].ServerDeleted)
}

func TestPull_QueryAndDecode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPull, r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("since"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "device-a", r.URL.Query().Get("device"))

		_ = json.NewEncoder(w).Encode(PullResponse{
			Changes: []Change{{EntityType: "patient", EntityID: "p1", Operation: "UPDATE", Version: 6, Record: map[string]any{"ward": "2"}}},
			Cursor:  "43",
			HasMore: true,
		})
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Pull(context.Background(), &sync.PullRequest{Device: testDevice, Cursor: "42", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, "43", resp.Cursor)
	assert.True(t, resp.HasMore)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, sync.OpUpdate, resp.Changes[0].Operation)
	assert.Equal(t, int64(6), resp.Changes[0].Version)
}

func TestPull_MalformedBodyIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>captive portal</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Pull(context.Background(), &sync.PullRequest{Device: testDevice})
	require.ErrorIs(t, err, sync.ErrTransient)
}
