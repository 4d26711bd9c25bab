package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval matches the periodic sync of the ward clients.
const DefaultPollInterval = 5 * time.Minute

// WatchOptions configures Engine.Watch.
type WatchOptions struct {
	PollInterval time.Duration
	// WatchLocal triggers a push when another process writes the database.
	WatchLocal bool
	// Wake, when set, triggers an immediate cycle on every receive.
	Wake <-chan struct{}
	// OnCycle, when set, receives every cycle report.
	OnCycle func(*CycleReport, error)
}

// Watch runs sync cycles until ctx is done: once at start, on every poll
// tick, on server notifications, on local database writes and when the
// earliest retry backoff expires. It returns nil on clean cancellation.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	remote := make(chan struct{}, 1)
	local := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	if e.notifier != nil {
		g.Go(func() error {
			err := e.notifier.Watch(gctx, func() { signal(remote) })
			if err != nil && gctx.Err() == nil {
				// Notifications are an optimization; polling still runs.
				e.logger.Warn("server notifications stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	if opts.WatchLocal {
		obs := NewLocalObserver(e.store.Path(), e.logger)

		g.Go(func() error {
			err := obs.Watch(gctx, func() { signal(local) })
			if err != nil && gctx.Err() == nil {
				e.logger.Warn("local observer stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	g.Go(func() error {
		return e.watchLoop(gctx, interval, remote, local, opts.Wake, opts.OnCycle)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (e *Engine) watchLoop(
	ctx context.Context, interval time.Duration, remote, local, wake <-chan struct{}, onCycle func(*CycleReport, error),
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retry := time.NewTimer(time.Hour)
	retry.Stop()

	defer retry.Stop()

	run := func(reason string) {
		e.logger.Debug("starting sync cycle", slog.String("trigger", reason))

		report, err := e.RunSyncCycle(ctx)
		if onCycle != nil {
			onCycle(report, err)
		}

		e.armRetryTimer(ctx, retry)
	}

	run("start")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("watch stopped")
			return nil

		case <-ticker.C:
			run("poll")

		case <-remote:
			run("server notification")

		case <-retry.C:
			run("retry backoff")

		case <-wake:
			run("wake")

		case <-local:
			// Our own cycles write the database too; only act when there is
			// something due to push.
			n, err := e.changelog.countDue(ctx)
			if err != nil {
				e.logger.Warn("checking due items", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				run("local write")
			}
		}
	}
}

// armRetryTimer schedules a wake-up for the earliest item waiting on backoff.
func (e *Engine) armRetryTimer(ctx context.Context, t *time.Timer) {
	next, err := e.changelog.nextAttempt(ctx)
	if err != nil || next.IsZero() {
		return
	}

	d := time.Until(next)
	if d < 0 {
		d = 0
	}

	t.Reset(d)

	e.logger.Debug("next retry scheduled", slog.Duration("in", d))
}

// signal performs a non-blocking send; one pending wake-up is enough.
func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
