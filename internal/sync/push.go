package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// push sends ready items in waves of head items until the cycle's batch
// budget is spent. Items appended after the cycle started wait for the next
// cycle. A clean merge puts the rebased item back into PENDING so a later
// wave of the same cycle can push it.
func (c *Coordinator) push(ctx context.Context, report *CycleReport) error {
	watermark, err := c.changelog.maxSeq(ctx)
	if err != nil {
		return err
	}

	budget := c.batchSize

	for budget > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, err := c.changelog.peek(ctx, budget, watermark)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			return nil
		}

		items, err = c.changelog.claim(ctx, items)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			return nil
		}

		budget -= len(items)

		if err := c.pushBatch(ctx, items, report); err != nil {
			return err
		}
	}

	return nil
}

func (c *Coordinator) pushBatch(ctx context.Context, items []*QueueItem, report *CycleReport) error {
	bookkeeping := context.WithoutCancel(ctx)

	req := &PushRequest{Device: c.device}
	sent := make(map[string]*QueueItem, len(items))

	for _, item := range items {
		// Deleting something the server never confirmed needs no round trip.
		if item.Operation == OpDelete && item.BaseVersion == 0 {
			if err := c.settle(bookkeeping, item, 0, nil); err != nil {
				return err
			}

			report.Synced++

			continue
		}

		// A successor chained onto a merged version still carries the old
		// ancestor and must be classified again before it reaches the server.
		stale, err := c.staleBase(bookkeeping, item)
		if err != nil {
			return err
		}

		if stale != nil {
			if err := c.handleConflict(bookkeeping, item, *stale, report); err != nil {
				return err
			}

			continue
		}

		op := item.Operation
		if op == OpUpdate && item.BaseVersion == 0 {
			op = OpCreate
		}

		req.Items = append(req.Items, PushItem{
			ID:          item.ID,
			EntityType:  item.EntityType,
			EntityID:    item.EntityID,
			Operation:   op,
			Payload:     item.Payload,
			BaseVersion: item.BaseVersion,
			CreatedAt:   item.CreatedAt,
		})
		sent[item.ID] = item
	}

	if len(req.Items) == 0 {
		return nil
	}

	report.Pushed += len(req.Items)

	c.logger.Debug("pushing batch", slog.Int("items", len(req.Items)))

	resp, err := c.transport.Push(ctx, req)
	if err != nil {
		return c.batchFailed(ctx, sent, err, report)
	}

	results := make(map[string]PushResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.ID] = r
	}

	for _, pi := range req.Items {
		r, ok := results[pi.ID]
		if !ok {
			r = PushResult{ID: pi.ID, Status: PushError, Error: "server returned no result for item", Retryable: true}
		}

		if err := c.handleResult(bookkeeping, sent[pi.ID], r, report); err != nil {
			return err
		}
	}

	return nil
}

// staleBase returns the confirmed server state as a conflict result when the
// item is chained onto that version but its ancestor snapshot differs from it.
func (c *Coordinator) staleBase(ctx context.Context, item *QueueItem) (*PushResult, error) {
	if item.BaseVersion == 0 {
		return nil, nil
	}

	ev, err := c.versions.Get(ctx, item.EntityType, item.EntityID)
	if err != nil || ev == nil {
		return nil, err
	}

	if ev.Deleted || ev.Version != item.BaseVersion || !c.detector.Behind(item, ev.Snapshot) {
		return nil, nil
	}

	c.logger.Debug("ancestor is behind the confirmed version, classifying again",
		slog.String("id", item.ID),
		slog.String("entity", item.EntityType+"/"+item.EntityID),
		slog.Int64("version", ev.Version),
	)

	return &PushResult{
		ID:            item.ID,
		Status:        PushConflict,
		ServerVersion: ev.Version,
		Record:        ev.Snapshot.Clone(),
	}, nil
}

// batchFailed handles a push that failed as a whole. Aborts and offline or
// auth failures put the items back untouched; everything else counts as an
// attempt for every item.
func (c *Coordinator) batchFailed(ctx context.Context, sent map[string]*QueueItem, err error, report *CycleReport) error {
	bookkeeping := context.WithoutCancel(ctx)

	class := failureClass(err)
	if ctx.Err() != nil || class == ErrOffline || class == ErrUnauthorized {
		for id := range sent {
			if rerr := c.changelog.releaseItem(bookkeeping, id); rerr != nil {
				return errors.Join(err, rerr)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	for _, item := range sent {
		if ferr := c.fail(bookkeeping, item, err, report); ferr != nil {
			return ferr
		}
	}

	// Permanent rejections are per item; the rest of the queue may be fine.
	if class == ErrPermanent {
		return nil
	}

	return err
}

func (c *Coordinator) handleResult(ctx context.Context, item *QueueItem, r PushResult, report *CycleReport) error {
	switch r.Status {
	case PushApplied:
		if err := c.settle(ctx, item, r.NewVersion, r.Record); err != nil {
			return err
		}

		report.Synced++
		c.metrics.observePush(string(PushApplied))

		c.logger.Debug("item applied",
			slog.String("id", item.ID),
			slog.String("entity", item.EntityType+"/"+item.EntityID),
			slog.Int64("version", r.NewVersion),
		)

		return nil

	case PushConflict:
		return c.handleConflict(ctx, item, r, report)

	case PushRejected:
		return c.fail(ctx, item, fmt.Errorf("%w: %s", ErrPermanent, resultMessage(r)), report)

	default:
		class := ErrPermanent
		if r.Retryable {
			class = ErrTransient
		}

		return c.fail(ctx, item, fmt.Errorf("%w: %s", class, resultMessage(r)), report)
	}
}

func resultMessage(r PushResult) string {
	if msg := strings.TrimSpace(r.Error); msg != "" {
		return msg
	}

	return "server reported " + string(r.Status)
}

// settle marks item synced at version and, when the item carried a conflict
// resolution, closes that conflict in the same transaction.
func (c *Coordinator) settle(ctx context.Context, item *QueueItem, version int64, record Record) error {
	return c.store.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := c.versions.get(ctx, tx, item.EntityType, item.EntityID)
		if err != nil {
			return err
		}

		if err := c.changelog.markSynced(ctx, tx, item, version, record); err != nil {
			return err
		}

		if version > 0 && (record != nil || item.Operation == OpDelete) {
			now := &EntityVersion{
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Version:    version,
				Snapshot:   record,
				Deleted:    item.Operation == OpDelete,
			}
			if err := c.refreshHost(ctx, tx, prior, []*QueueItem{item}, now); err != nil {
				return err
			}
		}

		if item.ResolvesConflictID == "" {
			return nil
		}

		c.logger.Info("conflict resolved",
			slog.String("conflict_id", item.ResolvesConflictID),
			slog.String("entity", item.EntityType+"/"+item.EntityID),
		)

		return c.conflicts.markResolved(ctx, tx, item.ResolvesConflictID, nil, c.store.nowFunc())
	})
}

func (c *Coordinator) fail(ctx context.Context, item *QueueItem, cause error, report *CycleReport) error {
	status, err := c.changelog.markFailed(ctx, item.ID, cause)
	if err != nil {
		return err
	}

	if status == StatusFailed {
		report.Failed++
		c.metrics.observePush("failed")

		c.logger.Warn("item failed",
			slog.String("id", item.ID),
			slog.String("entity", item.EntityType+"/"+item.EntityID),
			slog.String("error", cause.Error()),
		)

		return nil
	}

	report.Retrying++
	c.metrics.observePush("retry")

	c.logger.Debug("item will be retried",
		slog.String("id", item.ID),
		slog.Int("retry", item.RetryCount+1),
		slog.String("error", cause.Error()),
	)

	return nil
}

// handleConflict runs the full classification after a version mismatch.
// Clean results are rebased onto the server version; true conflicts go to the
// automatic policy and, failing that, are held for a human.
func (c *Coordinator) handleConflict(ctx context.Context, item *QueueItem, r PushResult, report *CycleReport) error {
	server := r.Record
	if r.ServerDeleted {
		server = nil
	}

	cls := c.detector.Classify(item, server)
	if cls.Clean() {
		return c.rebaseClean(ctx, item, r, server, cls, report)
	}

	conflict := c.newConflict(item, r, server, cls)

	if res, ok := c.resolver.ResolveAutomatic(conflict); ok {
		report.AutoResolved++
		c.metrics.observePush("auto_resolved")

		c.logger.Info("conflict resolved automatically",
			slog.String("entity", item.EntityType+"/"+item.EntityID),
			slog.String("resolution", string(res.Kind)),
			slog.String("fields", strings.Join(conflict.ConflictFields, ",")),
			slog.String("notes", res.Notes),
		)

		plan := c.resolver.plan(conflict, *res)
		if plan.Noop {
			return c.settle(ctx, item, r.ServerVersion, server)
		}

		rebased := *item
		rebased.Operation = plan.Operation
		rebased.Payload = plan.Payload
		rebased.BaseVersion = r.ServerVersion
		rebased.BaseSnapshot = server

		return c.changelog.rebase(ctx, c.store.db, &rebased)
	}

	err := c.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.conflicts.put(ctx, tx, conflict); err != nil {
			return err
		}

		return c.changelog.hold(ctx, tx, item.ID, conflict.ID)
	})
	if err != nil {
		return err
	}

	report.Conflicts++
	c.metrics.observePush(string(PushConflict))

	c.logger.Warn("conflict needs resolution",
		slog.String("conflict_id", conflict.ID),
		slog.String("entity", item.EntityType+"/"+item.EntityID),
		slog.String("type", string(conflict.Type)),
		slog.String("fields", strings.Join(conflict.ConflictFields, ",")),
	)

	return nil
}

// rebaseClean moves a cleanly mergeable item onto the server version. Only
// the fields the local side actually changed are kept, so server edits to
// other fields survive the re-push.
func (c *Coordinator) rebaseClean(
	ctx context.Context, item *QueueItem, r PushResult, server Record, cls Classification, report *CycleReport,
) error {
	if server == nil {
		if item.Operation != OpDelete {
			return c.fail(ctx, item, fmt.Errorf("%w: server reported a conflict without a record", ErrTransient), report)
		}

		// Deleting something the server already deleted.
		if err := c.settle(ctx, item, r.ServerVersion, nil); err != nil {
			return err
		}

		report.Synced++

		return nil
	}

	rebased := *item
	rebased.BaseVersion = r.ServerVersion
	rebased.BaseSnapshot = server

	if item.Operation != OpDelete {
		payload := item.Payload.Project(cls.LocalChanged)
		for f, v := range payload {
			if sv, ok := server[f]; ok && valuesEqual(v, sv) {
				delete(payload, f)
			}
		}

		// The server already holds every local value.
		if len(payload) == 0 {
			if err := c.settle(ctx, item, r.ServerVersion, server); err != nil {
				return err
			}

			report.Synced++

			return nil
		}

		rebased.Payload = payload
		rebased.Operation = OpUpdate
	}

	if err := c.changelog.rebase(ctx, c.store.db, &rebased); err != nil {
		return err
	}

	report.Merged++
	c.metrics.observePush("merged")

	c.logger.Debug("clean merge, rebased onto server version",
		slog.String("id", item.ID),
		slog.Int64("server_version", r.ServerVersion),
		slog.String("local_changed", strings.Join(cls.LocalChanged, ",")),
		slog.String("server_changed", strings.Join(cls.ServerChanged, ",")),
	)

	return nil
}

func (c *Coordinator) newConflict(item *QueueItem, r PushResult, server Record, cls Classification) *SyncConflict {
	id := item.ResolvesConflictID
	if id == "" {
		id = uuid.NewString()
	}

	return &SyncConflict{
		ID:                  id,
		EntityType:          item.EntityType,
		EntityID:            item.EntityID,
		FacilityID:          c.device.FacilityID,
		ClientID:            c.device.DeviceID,
		QueueItemID:         item.ID,
		Type:                cls.Type,
		LocalOperation:      item.Operation,
		LocalChangedAt:      item.CreatedAt,
		LocalVersion:        item.LocalRecord(),
		ServerVersion:       server,
		BaseSnapshot:        item.BaseSnapshot,
		ServerVersionNumber: r.ServerVersion,
		ConflictFields:      cls.Fields,
		Status:              ConflictPending,
		DetectedAt:          c.store.nowFunc(),
	}
}
