package devserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hmsync/wardsync/internal/transport"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
	maxPushBody      = 8 << 20
	shutdownTimeout  = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// Token, when set, is the bearer token every request must carry.
	Token  string
	Logger *slog.Logger
	// Registry receives the server metrics and is served on /metrics. A nil
	// registry disables both.
	Registry *prometheus.Registry
}

// Server exposes a Store over the sync HTTP protocol.
type Server struct {
	store  *Store
	hub    *hub
	token  string
	logger *slog.Logger
	reg    *prometheus.Registry

	pushResults *prometheus.CounterVec
	pulled      prometheus.Counter
}

// New creates a server over store.
func New(store *Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		store:  store,
		hub:    newHub(logger),
		token:  opts.Token,
		logger: logger,
		reg:    opts.Registry,
		pushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync_devserver",
			Name:      "push_results_total",
			Help:      "Pushed items by result status.",
		}, []string{"status"}),
		pulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardsync_devserver",
			Name:      "pulled_changes_total",
			Help:      "Change feed entries served to pulls.",
		}),
	}

	if s.reg != nil {
		s.reg.MustRegister(s.pushResults, s.pulled, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "wardsync_devserver",
			Name:      "subscribers",
			Help:      "Connected change notification subscribers.",
		}, func() float64 { return float64(s.hub.count()) }))
	}

	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+transport.PathPush, s.authorized(http.HandlerFunc(s.handlePush)))
	mux.Handle("GET "+transport.PathPull, s.authorized(http.HandlerFunc(s.handlePull)))
	mux.Handle("GET "+transport.PathNotify, s.authorized(http.HandlerFunc(s.hub.serve)))

	if s.reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("devserver listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("devserver: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devserver: shutting down: %w", err)
	}

	return nil
}

func (s *Server) authorized(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}

	want := []byte("Bearer " + s.token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req transport.PushRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "malformed push body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Device.DeviceID == "" {
		req.Device.DeviceID = r.Header.Get("X-Device-ID")
	}

	out, err := s.store.Push(r.Context(), req.Device, req.Items)
	if err != nil {
		s.internalError(w, "push", err)
		return
	}

	for _, res := range out.Results {
		s.pushResults.WithLabelValues(res.Status).Inc()
	}

	if out.Head > 0 {
		s.hub.broadcast(out.Head)
	}

	s.writeJSON(w, transport.PushResponse{Results: out.Results})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since int64

	if v := strings.TrimSpace(q.Get("since")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}

		since = n
	}

	limit := defaultPullLimit

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}

		limit = min(n, maxPullLimit)
	}

	changes, more, err := s.store.Changes(r.Context(), since, limit)
	if err != nil {
		s.internalError(w, "pull", err)
		return
	}

	resp := transport.PullResponse{
		Changes: make([]transport.Change, 0, len(changes)),
		Cursor:  strconv.FormatInt(since, 10),
		HasMore: more,
	}

	for _, ch := range changes {
		resp.Changes = append(resp.Changes, transport.Change{
			EntityType:   ch.EntityType,
			EntityID:     ch.EntityID,
			Operation:    ch.Operation,
			Version:      ch.Version,
			Record:       ch.Data,
			ChangedAt:    ch.ChangedAt,
			OriginDevice: ch.OriginDevice,
		})
		resp.Cursor = strconv.FormatInt(ch.Seq, 10)
	}

	s.pulled.Add(float64(len(changes)))
	s.writeJSON(w, resp)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", slog.String("error", err.Error()))
	}
}
