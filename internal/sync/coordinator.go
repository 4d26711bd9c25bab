package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"
)

// Cycle defaults.
const (
	DefaultBatchSize       = 50
	DefaultPullPageSize    = 100
	DefaultMaxPullPages    = 20
	DefaultSyncedRetention = 7 * 24 * time.Hour
)

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	// Skipped is set when another cycle was already running.
	Skipped bool
	// Offline is set when the server could not be reached.
	Offline bool

	// Pull phase.
	PullPages    int
	PullApplied  int
	PullDeferred int
	PullSkipped  int
	Released     int // deferred changes applied after local items settled

	// Push phase.
	Pushed       int
	Synced       int
	Merged       int // clean field-level merges rebased and re-pushed
	Conflicts    int
	AutoResolved int
	Retrying     int
	Failed       int
	Pruned       int64

	Errors []error
}

// Coordinator drives push/pull cycles. At most one cycle runs at a time; a
// call made while a cycle is in flight returns immediately.
type Coordinator struct {
	cycleMu stdsync.Mutex

	store     *Store
	changelog *ChangeLog
	versions  *VersionTracker
	conflicts *ConflictStore
	deferred  *deferredStore
	detector  *Detector
	resolver  *Resolver
	transport Transport
	applier   Applier
	metrics   *Metrics
	device    DeviceContext
	logger    *slog.Logger

	batchSize       int
	pullPageSize    int
	maxPullPages    int
	syncedRetention time.Duration
}

// RunSyncCycle pulls server changes, pushes ready local items and releases
// deferred changes. Cancelling ctx aborts the cycle; items that were not
// acknowledged go back to PENDING without consuming a retry.
func (c *Coordinator) RunSyncCycle(ctx context.Context) (*CycleReport, error) {
	if !c.cycleMu.TryLock() {
		c.logger.Debug("sync cycle already running, skipping")
		return &CycleReport{Skipped: true}, nil
	}
	defer c.cycleMu.Unlock()

	report := &CycleReport{StartedAt: c.store.nowFunc()}

	err := c.runCycle(ctx, report)

	report.Duration = c.store.nowFunc().Sub(report.StartedAt)
	c.metrics.observeCycle(report, err)

	if err != nil {
		c.logger.Warn("sync cycle ended early",
			slog.Duration("duration", report.Duration),
			slog.Bool("offline", report.Offline),
			slog.String("error", err.Error()),
		)

		return report, err
	}

	c.logger.Info("sync cycle complete",
		slog.Duration("duration", report.Duration),
		slog.Int("pulled", report.PullApplied),
		slog.Int("deferred", report.PullDeferred),
		slog.Int("pushed", report.Pushed),
		slog.Int("synced", report.Synced),
		slog.Int("merged", report.Merged),
		slog.Int("conflicts", report.Conflicts),
		slog.Int("retrying", report.Retrying),
		slog.Int("failed", report.Failed),
	)

	return report, nil
}

func (c *Coordinator) runCycle(ctx context.Context, report *CycleReport) error {
	// Nothing else can be pushing while we hold cycleMu, so any SYNCING row
	// was left behind by an aborted cycle or a crash.
	if n, err := c.changelog.releaseSyncing(ctx); err != nil {
		return err
	} else if n > 0 {
		c.logger.Info("recovered interrupted items", slog.Int64("count", n))
	}

	// Local bookkeeping must finish even when ctx is cancelled mid-request.
	bookkeeping := context.WithoutCancel(ctx)

	defer func() {
		if _, err := c.changelog.releaseSyncing(bookkeeping); err != nil {
			c.logger.Error("releasing syncing items", slog.String("error", err.Error()))
		}
	}()

	if err := c.pull(ctx, report); err != nil {
		return c.cycleError(report, "pull", err)
	}

	if err := c.push(ctx, report); err != nil {
		return c.cycleError(report, "push", err)
	}

	if err := c.releaseDeferred(ctx, report); err != nil {
		return err
	}

	c.housekeeping(bookkeeping, report)

	return nil
}

func (c *Coordinator) cycleError(report *CycleReport, phase string, err error) error {
	if errors.Is(err, ErrOffline) {
		report.Offline = true
	}

	return fmt.Errorf("sync: %s: %w", phase, err)
}

func (c *Coordinator) housekeeping(ctx context.Context, report *CycleReport) {
	now := c.store.nowFunc()

	if c.syncedRetention > 0 {
		n, err := c.changelog.Prune(ctx, now.Add(-c.syncedRetention))
		if err != nil {
			report.Errors = append(report.Errors, err)
		}

		report.Pruned = n
	}

	if err := c.store.setLastSyncAt(ctx, now); err != nil {
		report.Errors = append(report.Errors, err)
	}
}

// failureClass maps a transport error to one of the failure sentinels.
// Unclassified errors count as transient.
func failureClass(err error) error {
	for _, class := range []error{ErrUnauthorized, ErrOffline, ErrPermanent, ErrTransient} {
		if errors.Is(err, class) {
			return class
		}
	}

	return ErrTransient
}
