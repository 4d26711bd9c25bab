package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/sync"
)

const metricsShutdownTimeout = 5 * time.Second

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull server changes",
		Long: `Run one sync cycle: pull server changes, push queued local changes, detect
and classify conflicts, then apply held-back server changes.

With --watch, keep syncing: on every poll interval, when the server announces
new changes, when another process queues a change, when a retry is due, and
when 'wardsync wake' is run.

Exits with status 2 when conflicts are waiting for a decision.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep syncing until interrupted")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on host:port (watch mode)")

	return cmd
}

// cycleJSON is the JSON-serializable representation of a cycle report.
type cycleJSON struct {
	StartedAt    string   `json:"started_at"`
	DurationMS   int64    `json:"duration_ms"`
	Skipped      bool     `json:"skipped,omitempty"`
	Offline      bool     `json:"offline,omitempty"`
	PullApplied  int      `json:"pull_applied"`
	PullDeferred int      `json:"pull_deferred"`
	PullSkipped  int      `json:"pull_skipped"`
	Released     int      `json:"released"`
	Pushed       int      `json:"pushed"`
	Synced       int      `json:"synced"`
	Merged       int      `json:"merged"`
	Conflicts    int      `json:"conflicts"`
	AutoResolved int      `json:"auto_resolved"`
	Retrying     int      `json:"retrying"`
	Failed       int      `json:"failed"`
	Pruned       int64    `json:"pruned"`
	Errors       []string `json:"errors,omitempty"`
}

func toCycleJSON(r *sync.CycleReport) cycleJSON {
	out := cycleJSON{
		StartedAt:    rfc3339(r.StartedAt),
		DurationMS:   r.Duration.Milliseconds(),
		Skipped:      r.Skipped,
		Offline:      r.Offline,
		PullApplied:  r.PullApplied,
		PullDeferred: r.PullDeferred,
		PullSkipped:  r.PullSkipped,
		Released:     r.Released,
		Pushed:       r.Pushed,
		Synced:       r.Synced,
		Merged:       r.Merged,
		Conflicts:    r.Conflicts,
		AutoResolved: r.AutoResolved,
		Retrying:     r.Retrying,
		Failed:       r.Failed,
		Pruned:       r.Pruned,
	}

	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}

	return out
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	watch, _ := cmd.Flags().GetBool("watch")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = cc.Cfg.MetricsAddr
	}

	if watch {
		return runSyncWatch(cmd.Context(), cc, metricsAddr)
	}

	return runSyncOnce(cmd.Context(), cc)
}

func runSyncOnce(parent context.Context, cc *CLIContext) error {
	// Cancelling on return releases the signal handler.
	parent, cancel := context.WithCancel(parent)
	defer cancel()

	ctx := shutdownContext(parent, cc.Logger)

	engine, err := newSyncEngine(ctx, cc, engineOptions{online: true})
	if err != nil {
		return err
	}
	defer engine.Close()

	report, cycleErr := engine.RunSyncCycle(ctx)

	if cc.Flags.JSON {
		if err := printJSON(cc.Out(), toCycleJSON(report)); err != nil {
			return err
		}
	} else {
		cc.Statusf("%s\n", summarizeCycle(report))
	}

	if cycleErr != nil {
		return cycleErr
	}

	h, err := engine.Status(ctx)
	if err != nil {
		return err
	}

	if h.Conflicts > 0 {
		return fmt.Errorf("%w: %d pending, see 'wardsync conflicts'", errConflictsPending, h.Conflicts)
	}

	return nil
}

// summarizeCycle renders a one-line report. Zero counters are left out.
func summarizeCycle(r *sync.CycleReport) string {
	if r.Skipped {
		return "Another sync cycle is already running."
	}

	parts := []string{}

	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}

	add(r.PullApplied, "pulled")
	add(r.PullDeferred, "deferred")
	add(r.Released, "released")
	add(r.Synced, "synced")
	add(r.Merged, "merged")
	add(r.Conflicts, "conflicts")
	add(r.AutoResolved, "auto-resolved")
	add(r.Retrying, "retrying")
	add(r.Failed, "failed")

	prefix := "Sync complete"
	if r.Offline {
		prefix = "Server unreachable"
	}

	if len(parts) == 0 {
		return fmt.Sprintf("%s in %s: nothing to do", prefix, r.Duration.Round(time.Millisecond))
	}

	return fmt.Sprintf("%s in %s: %s", prefix, r.Duration.Round(time.Millisecond), strings.Join(parts, ", "))
}

func runSyncWatch(parent context.Context, cc *CLIContext, metricsAddr string) error {
	logger := cc.Logger

	release, err := claimWatchMarker(cc.Cfg.PIDFilePath(), watchMarker{
		PID:       os.Getpid(),
		DBPath:    cc.Cfg.DeviceDBPath(),
		StartedAt: time.Now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return err
	}
	defer release()

	parent, cancel := context.WithCancel(parent)
	defer cancel()

	ctx := shutdownContext(parent, logger)
	wake := wakeSignals(ctx, logger)

	var reg *prometheus.Registry
	if metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	opts := engineOptions{online: true}
	if reg != nil {
		opts.registry = reg
	}

	engine, err := newSyncEngine(ctx, cc, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	if reg != nil {
		stop, err := serveMetrics(ctx, metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	logger.Info("watch mode started",
		slog.String("device_id", engine.Device().DeviceID),
		slog.Duration("poll_interval", cc.Cfg.PollIntervalDuration()),
	)

	return engine.Watch(ctx, sync.WatchOptions{
		PollInterval: cc.Cfg.PollIntervalDuration(),
		WatchLocal:   cc.Cfg.WatchLocal,
		Wake:         wake,
		OnCycle: func(r *sync.CycleReport, err error) {
			if r.Skipped {
				return
			}

			if err != nil && !errors.Is(err, sync.ErrOffline) {
				logger.Warn("sync cycle failed", slog.String("error", err.Error()))
				return
			}

			logger.Info(summarizeCycle(r))
		},
	})
}

// serveMetrics exposes reg on addr until the returned stop function runs.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}, nil
}
