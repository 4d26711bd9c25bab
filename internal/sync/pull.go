package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type pullOutcome int

const (
	pullApplied pullOutcome = iota
	pullDeferred
	pullSkipped
)

// pull fetches server changes since the stored cursor. Each page and its
// cursor are committed together, so a crash mid-pull resumes at the last
// committed page.
func (c *Coordinator) pull(ctx context.Context, report *CycleReport) error {
	cursor, err := c.store.getState(ctx, stateKeyPullCursor)
	if err != nil {
		return err
	}

	for page := 0; page < c.maxPullPages; page++ {
		resp, err := c.transport.Pull(ctx, &PullRequest{
			Device: c.device,
			Cursor: cursor,
			Limit:  c.pullPageSize,
		})
		if err != nil {
			return err
		}

		report.PullPages++

		if err := c.applyPage(ctx, resp, report); err != nil {
			return err
		}

		if resp.Cursor != "" {
			cursor = resp.Cursor
		}

		if !resp.HasMore {
			return nil
		}
	}

	c.logger.Info("pull page limit reached, continuing next cycle",
		slog.Int("pages", c.maxPullPages),
		slog.String("cursor", cursor),
	)

	return nil
}

func (c *Coordinator) applyPage(ctx context.Context, resp *PullResponse, report *CycleReport) error {
	counts := make(map[pullOutcome]int, 3)

	err := c.store.withTx(ctx, func(tx *sql.Tx) error {
		for _, ch := range resp.Changes {
			outcome, err := c.acceptChange(ctx, tx, ch)
			if err != nil {
				return err
			}

			counts[outcome]++
		}

		if resp.Cursor == "" {
			return nil
		}

		return c.store.setState(ctx, tx, stateKeyPullCursor, resp.Cursor)
	})
	if err != nil {
		return err
	}

	report.PullApplied += counts[pullApplied]
	report.PullDeferred += counts[pullDeferred]
	report.PullSkipped += counts[pullSkipped]
	c.metrics.observePull(counts[pullApplied], counts[pullDeferred], counts[pullSkipped])

	return nil
}

// acceptChange applies a pulled change, or defers it when the entity still
// has local items that the server has not confirmed.
func (c *Coordinator) acceptChange(ctx context.Context, tx *sql.Tx, ch RemoteChange) (pullOutcome, error) {
	known, err := c.versions.get(ctx, tx, ch.EntityType, ch.EntityID)
	if err != nil {
		return pullSkipped, err
	}

	if known != nil && known.Version >= ch.Version {
		return pullSkipped, nil
	}

	active, err := c.changelog.hasActive(ctx, tx, ch.EntityType, ch.EntityID)
	if err != nil {
		return pullSkipped, err
	}

	if active {
		c.logger.Debug("deferring pulled change, local items in flight",
			slog.String("entity", ch.EntityType+"/"+ch.EntityID),
			slog.Int64("version", ch.Version),
		)

		return pullDeferred, c.deferred.put(ctx, tx, ch)
	}

	return c.applyChange(ctx, tx, ch)
}

func (c *Coordinator) applyChange(ctx context.Context, tx *sql.Tx, ch RemoteChange) (pullOutcome, error) {
	advanced, err := c.versions.set(ctx, tx, EntityVersion{
		EntityType: ch.EntityType,
		EntityID:   ch.EntityID,
		Version:    ch.Version,
		Snapshot:   ch.Record,
		Deleted:    ch.Operation == OpDelete,
	})
	if err != nil {
		return pullSkipped, err
	}

	// Already at or past this version, typically the echo of our own push.
	if !advanced {
		return pullSkipped, nil
	}

	if err := c.applier.ApplyRemote(ctx, ch); err != nil {
		return pullSkipped, fmt.Errorf("sync: applying %s/%s v%d: %w", ch.EntityType, ch.EntityID, ch.Version, err)
	}

	return pullApplied, nil
}

// refreshHost tells the applier about server state the host has not seen yet.
// The host shows the confirmed snapshot with every active item laid on top;
// settled were active before the entity moved from prior to now. A change is
// delivered only when the two views differ, which happens when the server
// state carries edits from other devices.
func (c *Coordinator) refreshHost(
	ctx context.Context, tx *sql.Tx, prior *EntityVersion, settled []*QueueItem, now *EntityVersion,
) error {
	rest, err := c.changelog.activeItems(ctx, tx, now.EntityType, now.EntityID)
	if err != nil {
		return err
	}

	had, hadGone := hostView(prior, append(settled, rest...))
	want, wantGone := hostView(now, rest)

	ch := RemoteChange{
		EntityType: now.EntityType,
		EntityID:   now.EntityID,
		Operation:  OpUpdate,
		Version:    now.Version,
		Record:     want,
		ChangedAt:  c.store.nowFunc(),
	}

	switch {
	case wantGone && hadGone:
		return nil
	case wantGone:
		ch.Operation = OpDelete
		ch.Record = nil
	case !hadGone && len(diffFields(had, want, c.detector.ignore)) == 0:
		return nil
	}

	c.logger.Debug("refreshing host with server state",
		slog.String("entity", now.EntityType+"/"+now.EntityID),
		slog.Int64("version", now.Version),
		slog.String("operation", string(ch.Operation)),
	)

	if err := c.applier.ApplyRemote(ctx, ch); err != nil {
		return fmt.Errorf("sync: applying %s/%s v%d: %w", now.EntityType, now.EntityID, now.Version, err)
	}

	return nil
}

// hostView lays items over a confirmed version. gone reports that the result
// is deleted.
func hostView(base *EntityVersion, items []*QueueItem) (rec Record, gone bool) {
	gone = base == nil || base.Deleted
	if !gone {
		rec = base.Snapshot
	}

	for _, item := range items {
		if item.Operation == OpDelete {
			rec, gone = nil, true
			continue
		}

		rec, gone = rec.Overlay(item.Payload), false
	}

	return rec, gone
}

// releaseDeferred applies held-back pulled changes for entities whose local
// items have all settled.
func (c *Coordinator) releaseDeferred(ctx context.Context, report *CycleReport) error {
	changes, err := c.deferred.list(ctx)
	if err != nil {
		return err
	}

	for _, ch := range changes {
		err := c.store.withTx(ctx, func(tx *sql.Tx) error {
			active, err := c.changelog.hasActive(ctx, tx, ch.EntityType, ch.EntityID)
			if err != nil || active {
				return err
			}

			outcome, err := c.applyChange(ctx, tx, ch)
			if err != nil {
				return err
			}

			if outcome == pullApplied {
				report.Released++
			}

			return c.deferred.remove(ctx, tx, ch.EntityType, ch.EntityID)
		})
		if err != nil {
			return err
		}
	}

	return nil
}
