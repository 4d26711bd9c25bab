package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The change log is the device outbox. Lifecycle of one row:
//
//	Append → PENDING → claim → SYNCING → SYNCED (acknowledged)
//	                                   → PENDING (transient failure, backoff)
//	                                   → FAILED  (permanent, or retry ceiling)
//	                                   → PENDING + conflict_id (held by a conflict)
//
// Only the head item of an entity (lowest created_at, seq among rows that
// are not SYNCED) is ever pushed, which keeps per-entity FIFO order and lets
// the successor inherit the head's acknowledged version as its base.

const itemSelectCols = `seq, id, entity_type, entity_id, operation, payload,
	base_version, base_snapshot, created_at, status, retry_count, last_error,
	error_kind, next_attempt_at, conflict_id, resolves_conflict_id, synced_at`

const (
	sqlInsertItem = `INSERT INTO queue_items
		(id, entity_type, entity_id, operation, payload, base_version, base_snapshot,
		 created_at, status, resolves_conflict_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?)`

	sqlGetItem = `SELECT ` + itemSelectCols + ` FROM queue_items WHERE id = ?`

	sqlActiveItems = `SELECT ` + itemSelectCols + ` FROM queue_items
		WHERE entity_type = ? AND entity_id = ? AND status != 'SYNCED'
		ORDER BY created_at, seq`

	sqlCountActive = `SELECT COUNT(*) FROM queue_items
		WHERE entity_type = ? AND entity_id = ? AND status != 'SYNCED'`

	sqlPeekBatch = `SELECT ` + itemSelectCols + ` FROM queue_items q
		WHERE q.status = 'PENDING'
		  AND q.conflict_id IS NULL
		  AND q.next_attempt_at <= ?
		  AND q.seq <= ?
		  AND NOT EXISTS (
		    SELECT 1 FROM queue_items p
		    WHERE p.entity_type = q.entity_type AND p.entity_id = q.entity_id
		      AND p.status != 'SYNCED'
		      AND (p.created_at < q.created_at OR (p.created_at = q.created_at AND p.seq < q.seq)))
		ORDER BY q.created_at, q.seq
		LIMIT ?`

	sqlMaxSeq = `SELECT COALESCE(MAX(seq), 0) FROM queue_items`

	sqlClaimItem = `UPDATE queue_items SET status = 'SYNCING' WHERE id = ? AND status = 'PENDING'`

	sqlReleaseSyncing = `UPDATE queue_items SET status = 'PENDING' WHERE status = 'SYNCING'`

	sqlReleaseItem = `UPDATE queue_items SET status = 'PENDING' WHERE id = ? AND status = 'SYNCING'`

	sqlMarkSynced = `UPDATE queue_items
		SET status = 'SYNCED', synced_at = ?, last_error = NULL, error_kind = NULL, conflict_id = NULL
		WHERE id = ? AND status != 'SYNCED'`

	sqlRebaseSuccessor = `UPDATE queue_items SET base_version = ?
		WHERE seq = (
		  SELECT seq FROM queue_items
		  WHERE entity_type = ? AND entity_id = ? AND status != 'SYNCED'
		  ORDER BY created_at, seq LIMIT 1)`

	sqlScheduleRetry = `UPDATE queue_items
		SET status = 'PENDING', retry_count = ?, last_error = ?, error_kind = ?, next_attempt_at = ?
		WHERE id = ?`

	sqlMarkFailed = `UPDATE queue_items
		SET status = 'FAILED', retry_count = ?, last_error = ?, error_kind = ?
		WHERE id = ?`

	sqlRebaseItem = `UPDATE queue_items
		SET operation = ?, payload = ?, base_version = ?, base_snapshot = ?,
		    status = 'PENDING', next_attempt_at = 0, conflict_id = NULL
		WHERE id = ?`

	sqlHoldItem = `UPDATE queue_items SET status = 'PENDING', conflict_id = ? WHERE id = ?`

	sqlDeleteItem = `DELETE FROM queue_items WHERE id = ?`

	sqlRetryItem = `UPDATE queue_items
		SET status = 'PENDING', retry_count = 0, last_error = NULL, error_kind = NULL, next_attempt_at = 0
		WHERE id = ?`

	sqlRetryAllFailed = `UPDATE queue_items
		SET status = 'PENDING', retry_count = 0, last_error = NULL, error_kind = NULL, next_attempt_at = 0
		WHERE status = 'FAILED'`

	sqlPruneSynced = `DELETE FROM queue_items WHERE status = 'SYNCED' AND synced_at < ?`

	sqlCountByStatus = `SELECT CASE WHEN conflict_id IS NOT NULL THEN 'HELD' ELSE status END, COUNT(*)
		FROM queue_items GROUP BY 1`

	sqlNextAttempt = `SELECT COALESCE(MIN(next_attempt_at), 0) FROM queue_items
		WHERE status = 'PENDING' AND conflict_id IS NULL AND next_attempt_at > ?`

	sqlCountDue = `SELECT COUNT(*) FROM queue_items
		WHERE status = 'PENDING' AND conflict_id IS NULL AND next_attempt_at <= ?`

	sqlFindItemPrefix = `SELECT ` + itemSelectCols + ` FROM queue_items
		WHERE id LIKE ? ESCAPE '\' ORDER BY created_at, seq LIMIT 2`
)

// statusHeld is the pseudo status reported by counts for items held by a conflict.
const statusHeld ItemStatus = "HELD"

// ChangeLog is the durable, ordered store of local mutations that the server
// has not confirmed yet.
type ChangeLog struct {
	store       *Store
	versions    *VersionTracker
	locks       *entityLocks
	backoff     BackoffPolicy
	maxRetries  int
	entityTypes map[string]bool // nil accepts any type
	logger      *slog.Logger
}

// Append records a mutation and returns the stored item. It returns only after
// the row is committed to stable storage. Appending an id that already exists
// is a no-op that returns the existing item.
func (c *ChangeLog) Append(ctx context.Context, m Mutation) (*QueueItem, error) {
	if err := c.validate(&m); err != nil {
		return nil, err
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	unlock := c.locks.lock(m.EntityType, m.EntityID)
	defer unlock()

	var (
		item    *QueueItem
		existed bool
	)

	err := c.store.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := c.get(ctx, tx, m.ID)
		if err == nil {
			if existing.EntityType != m.EntityType || existing.EntityID != m.EntityID {
				return fmt.Errorf("%w: id %s already used for %s/%s",
					ErrInvalidMutation, m.ID, existing.EntityType, existing.EntityID)
			}

			item, existed = existing, true

			return nil
		}

		if !errors.Is(err, ErrNotFound) {
			return err
		}

		item, err = c.buildItem(ctx, tx, m)
		if err != nil {
			return err
		}

		return c.insert(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}

	if existed {
		c.logger.Debug("append ignored, id already queued",
			slog.String("id", item.ID),
			slog.String("status", string(item.Status)),
		)

		return item, nil
	}

	c.logger.Debug("appended mutation",
		slog.String("id", item.ID),
		slog.String("entity", item.EntityType+"/"+item.EntityID),
		slog.String("op", string(item.Operation)),
		slog.Int64("base_version", item.BaseVersion),
	)

	return item, nil
}

func (c *ChangeLog) validate(m *Mutation) error {
	var errs []error

	if m.EntityType == "" {
		errs = append(errs, errors.New("entity type is required"))
	} else if c.entityTypes != nil && !c.entityTypes[m.EntityType] {
		errs = append(errs, fmt.Errorf("entity type %q is not syncable", m.EntityType))
	}

	if m.EntityID == "" {
		errs = append(errs, errors.New("entity id is required"))
	}

	if !m.Operation.Valid() {
		errs = append(errs, fmt.Errorf("unknown operation %q", m.Operation))
	}

	if m.Operation == OpDelete {
		m.Payload = Record{}
	} else if len(m.Payload) == 0 {
		errs = append(errs, fmt.Errorf("%s requires a non-empty payload", m.Operation))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMutation, errors.Join(errs...))
	}

	return nil
}

// buildItem computes the base version and ancestor snapshot from the tracked
// server state with every earlier active item of the entity applied on top.
func (c *ChangeLog) buildItem(ctx context.Context, tx *sql.Tx, m Mutation) (*QueueItem, error) {
	ev, err := c.versions.get(ctx, tx, m.EntityType, m.EntityID)
	if err != nil {
		return nil, err
	}

	active, err := c.activeItems(ctx, tx, m.EntityType, m.EntityID)
	if err != nil {
		return nil, err
	}

	var (
		base        Record
		baseVersion int64
	)

	if ev != nil && !ev.Deleted {
		base = ev.Snapshot.Clone()
		baseVersion = ev.Version
	}

	for _, a := range active {
		if a.Operation == OpDelete {
			base = nil
			continue
		}

		base = base.Overlay(a.Payload)
	}

	createdAt := c.store.nowFunc()
	if n := len(active); n > 0 && !createdAt.After(active[n-1].CreatedAt) {
		// Keep created_at monotonic per entity even if the wall clock steps back.
		createdAt = active[n-1].CreatedAt.Add(time.Nanosecond)
	}

	return &QueueItem{
		ID:           m.ID,
		EntityType:   m.EntityType,
		EntityID:     m.EntityID,
		Operation:    m.Operation,
		Payload:      m.Payload.Clone(),
		BaseVersion:  baseVersion,
		BaseSnapshot: base,
		CreatedAt:    createdAt,
		Status:       StatusPending,
	}, nil
}

func (c *ChangeLog) insert(ctx context.Context, q dbtx, item *QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrInvalidMutation, err)
	}

	base, err := encodeRecord(item.BaseSnapshot)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, sqlInsertItem,
		item.ID, item.EntityType, item.EntityID, string(item.Operation), string(payload),
		nullVersion(item.BaseVersion), base, item.CreatedAt.UnixNano(),
		nullString(item.ResolvesConflictID),
	)
	if err != nil {
		return fmt.Errorf("sync: inserting queue item %s: %w", item.ID, err)
	}

	if item.seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("sync: reading queue item sequence: %w", err)
	}

	return nil
}

// Get returns one item by id.
func (c *ChangeLog) Get(ctx context.Context, id string) (*QueueItem, error) {
	return c.get(ctx, c.store.db, id)
}

func (c *ChangeLog) get(ctx context.Context, q dbtx, id string) (*QueueItem, error) {
	item, err := scanItem(q.QueryRowContext(ctx, sqlGetItem, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: queue item %s", ErrNotFound, id)
	}

	return item, err
}

// Find resolves an exact id or a unique id prefix.
func (c *ChangeLog) Find(ctx context.Context, idOrPrefix string) (*QueueItem, error) {
	item, err := c.Get(ctx, idOrPrefix)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return item, err
	}

	items, err := c.queryItems(ctx, c.store.db, sqlFindItemPrefix, likePrefix(idOrPrefix))
	if err != nil {
		return nil, err
	}

	switch len(items) {
	case 0:
		return nil, fmt.Errorf("%w: queue item %s", ErrNotFound, idOrPrefix)
	case 1:
		return items[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches more than one queue item", ErrAmbiguousID, idOrPrefix)
	}
}

func (c *ChangeLog) activeItems(ctx context.Context, q dbtx, entityType, entityID string) ([]*QueueItem, error) {
	return c.queryItems(ctx, q, sqlActiveItems, entityType, entityID)
}

func (c *ChangeLog) hasActive(ctx context.Context, q dbtx, entityType, entityID string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, sqlCountActive, entityType, entityID).Scan(&n); err != nil {
		return false, fmt.Errorf("sync: counting active items of %s/%s: %w", entityType, entityID, err)
	}

	return n > 0, nil
}

// PeekBatch returns up to maxSize items that are ready to push, oldest first.
// Only the head item of each entity is eligible.
func (c *ChangeLog) PeekBatch(ctx context.Context, maxSize int) ([]*QueueItem, error) {
	return c.peek(ctx, maxSize, 1<<62)
}

// peek is PeekBatch restricted to rows inserted at or before watermark.
func (c *ChangeLog) peek(ctx context.Context, maxSize int, watermark int64) ([]*QueueItem, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	now := c.store.nowFunc().UnixNano()

	return c.queryItems(ctx, c.store.db, sqlPeekBatch, now, watermark, maxSize)
}

func (c *ChangeLog) maxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := c.store.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&seq); err != nil {
		return 0, fmt.Errorf("sync: reading queue watermark: %w", err)
	}

	return seq, nil
}

// claim moves PENDING items to SYNCING. Items that changed state since they
// were peeked are dropped from the returned slice.
func (c *ChangeLog) claim(ctx context.Context, items []*QueueItem) ([]*QueueItem, error) {
	claimed := make([]*QueueItem, 0, len(items))

	err := c.store.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlClaimItem)
		if err != nil {
			return fmt.Errorf("sync: preparing claim: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			res, err := stmt.ExecContext(ctx, item.ID)
			if err != nil {
				return fmt.Errorf("sync: claiming %s: %w", item.ID, err)
			}

			if n, _ := res.RowsAffected(); n == 1 {
				item.Status = StatusSyncing
				claimed = append(claimed, item)
			}
		}

		return nil
	})

	return claimed, err
}

// releaseSyncing returns every SYNCING item to PENDING without consuming a
// retry. Used on abort and at cycle start to recover from a crash.
func (c *ChangeLog) releaseSyncing(ctx context.Context) (int64, error) {
	res, err := c.store.db.ExecContext(ctx, sqlReleaseSyncing)
	if err != nil {
		return 0, fmt.Errorf("sync: releasing syncing items: %w", err)
	}

	return res.RowsAffected()
}

func (c *ChangeLog) releaseItem(ctx context.Context, id string) error {
	if _, err := c.store.db.ExecContext(ctx, sqlReleaseItem, id); err != nil {
		return fmt.Errorf("sync: releasing %s: %w", id, err)
	}

	return nil
}

// MarkSynced records the server acknowledgment of an item: the row leaves the
// active log, the version tracker advances and the entity's next item is
// rebased onto the new version, all in one transaction.
func (c *ChangeLog) MarkSynced(ctx context.Context, id string, newVersion int64, record Record) error {
	return c.store.withTx(ctx, func(tx *sql.Tx) error {
		item, err := c.get(ctx, tx, id)
		if err != nil {
			return err
		}

		return c.markSynced(ctx, tx, item, newVersion, record)
	})
}

func (c *ChangeLog) markSynced(ctx context.Context, tx *sql.Tx, item *QueueItem, newVersion int64, record Record) error {
	if _, err := tx.ExecContext(ctx, sqlMarkSynced, c.store.nowFunc().UnixNano(), item.ID); err != nil {
		return fmt.Errorf("sync: marking %s synced: %w", item.ID, err)
	}

	item.Status = StatusSynced

	if newVersion <= 0 {
		return nil
	}

	deleted := item.Operation == OpDelete

	snapshot := record
	if snapshot == nil && !deleted {
		snapshot = item.LocalRecord()
	}

	if _, err := c.versions.set(ctx, tx, EntityVersion{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Version:    newVersion,
		Snapshot:   snapshot,
		Deleted:    deleted,
	}); err != nil {
		return err
	}

	return c.rebaseSuccessor(ctx, tx, item.EntityType, item.EntityID, newVersion)
}

// rebaseSuccessor points the entity's next active item at version, which is
// the version left by the item that just settled.
func (c *ChangeLog) rebaseSuccessor(ctx context.Context, q dbtx, entityType, entityID string, version int64) error {
	if _, err := q.ExecContext(ctx, sqlRebaseSuccessor, version, entityType, entityID); err != nil {
		return fmt.Errorf("sync: chaining successor of %s/%s: %w", entityType, entityID, err)
	}

	return nil
}

// MarkFailed records a failed push attempt. Errors wrapping ErrPermanent fail
// the item immediately; anything else schedules a retry with backoff until
// the retry ceiling is exceeded.
func (c *ChangeLog) MarkFailed(ctx context.Context, id string, cause error) error {
	_, err := c.markFailed(ctx, id, cause)
	return err
}

func (c *ChangeLog) markFailed(ctx context.Context, id string, cause error) (ItemStatus, error) {
	var status ItemStatus

	err := c.store.withTx(ctx, func(tx *sql.Tx) error {
		item, err := c.get(ctx, tx, id)
		if err != nil {
			return err
		}

		msg := cause.Error()

		if errors.Is(cause, ErrPermanent) {
			status = StatusFailed
			_, err = tx.ExecContext(ctx, sqlMarkFailed, item.RetryCount, msg, string(ErrorKindPermanent), id)

			return wrapExec(err, "failing", id)
		}

		retry := item.RetryCount + 1
		if retry > c.maxRetries {
			status = StatusFailed
			_, err = tx.ExecContext(ctx, sqlMarkFailed, retry, msg, string(ErrorKindTransient), id)

			return wrapExec(err, "failing", id)
		}

		status = StatusPending
		next := c.store.nowFunc().Add(c.backoff.Delay(retry))
		_, err = tx.ExecContext(ctx, sqlScheduleRetry, retry, msg, string(ErrorKindTransient), next.UnixNano(), id)

		return wrapExec(err, "scheduling retry of", id)
	})

	return status, err
}

func wrapExec(err error, action, id string) error {
	if err != nil {
		return fmt.Errorf("sync: %s %s: %w", action, id, err)
	}

	return nil
}

// rebase moves an item onto a newer server version after a clean merge.
func (c *ChangeLog) rebase(ctx context.Context, q dbtx, item *QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("sync: encoding payload: %w", err)
	}

	base, err := encodeRecord(item.BaseSnapshot)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, sqlRebaseItem,
		string(item.Operation), string(payload), nullVersion(item.BaseVersion), base, item.ID)

	return wrapExec(err, "rebasing", item.ID)
}

func (c *ChangeLog) hold(ctx context.Context, q dbtx, id, conflictID string) error {
	_, err := q.ExecContext(ctx, sqlHoldItem, conflictID, id)
	return wrapExec(err, "holding", id)
}

// Remove deletes an item from the log.
func (c *ChangeLog) Remove(ctx context.Context, id string) error {
	return c.remove(ctx, c.store.db, id)
}

func (c *ChangeLog) remove(ctx context.Context, q dbtx, id string) error {
	res, err := q.ExecContext(ctx, sqlDeleteItem, id)
	if err != nil {
		return fmt.Errorf("sync: removing %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: queue item %s", ErrNotFound, id)
	}

	return nil
}

// Retry makes an item eligible for the next cycle: FAILED items go back to
// PENDING with a fresh retry budget, items waiting on backoff become due now.
func (c *ChangeLog) Retry(ctx context.Context, id string) error {
	return c.store.withTx(ctx, func(tx *sql.Tx) error {
		item, err := c.get(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case item.ConflictID != "":
			return fmt.Errorf("%w: %s (conflict %s)", ErrHeldByConflict, id, item.ConflictID)
		case item.Status == StatusFailed, item.Status == StatusPending:
		default:
			return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, item.Status)
		}

		_, err = tx.ExecContext(ctx, sqlRetryItem, id)

		return wrapExec(err, "retrying", id)
	})
}

// RetryAllFailed resets every FAILED item to PENDING.
func (c *ChangeLog) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := c.store.db.ExecContext(ctx, sqlRetryAllFailed)
	if err != nil {
		return 0, fmt.Errorf("sync: retrying failed items: %w", err)
	}

	return res.RowsAffected()
}

// Prune deletes synced rows acknowledged before cutoff.
func (c *ChangeLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.store.db.ExecContext(ctx, sqlPruneSynced, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sync: pruning synced items: %w", err)
	}

	return res.RowsAffected()
}

// List returns items matching filter, oldest first.
func (c *ChangeLog) List(ctx context.Context, filter QueueFilter) ([]*QueueItem, error) {
	var (
		where []string
		args  []any
	)

	switch {
	case filter.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	case !filter.IncludeSynced:
		where = append(where, "status != 'SYNCED'")
	}

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}

	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := `SELECT ` + itemSelectCols + ` FROM queue_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at, seq"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return c.queryItems(ctx, c.store.db, query, args...)
}

// counts returns item counts keyed by status. Items held by a conflict are
// reported under statusHeld instead of PENDING.
func (c *ChangeLog) counts(ctx context.Context) (map[ItemStatus]int, error) {
	rows, err := c.store.db.QueryContext(ctx, sqlCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("sync: counting queue items: %w", err)
	}
	defer rows.Close()

	out := make(map[ItemStatus]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sync: scanning queue counts: %w", err)
		}

		out[ItemStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating queue counts: %w", err)
	}

	return out, nil
}

// nextAttempt returns the earliest future retry time, or zero if none.
func (c *ChangeLog) nextAttempt(ctx context.Context) (time.Time, error) {
	var ns int64
	if err := c.store.db.QueryRowContext(ctx, sqlNextAttempt, c.store.nowFunc().UnixNano()).Scan(&ns); err != nil {
		return time.Time{}, fmt.Errorf("sync: reading next retry time: %w", err)
	}

	if ns == 0 {
		return time.Time{}, nil
	}

	return time.Unix(0, ns), nil
}

func (c *ChangeLog) countDue(ctx context.Context) (int, error) {
	var n int
	if err := c.store.db.QueryRowContext(ctx, sqlCountDue, c.store.nowFunc().UnixNano()).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting due items: %w", err)
	}

	return n, nil
}

func (c *ChangeLog) queryItems(ctx context.Context, q dbtx, query string, args ...any) ([]*QueueItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: querying queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	// A failed iteration must never look like an empty queue.
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: reading queue items: %w", err)
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*QueueItem, error) {
	var (
		item          QueueItem
		op, status    string
		payload       string
		baseVersion   sql.NullInt64
		baseSnapshot  sql.NullString
		createdAt     int64
		lastError     sql.NullString
		errorKind     sql.NullString
		nextAttemptAt int64
		conflictID    sql.NullString
		resolves      sql.NullString
		syncedAt      sql.NullInt64
	)

	err := s.Scan(
		&item.seq, &item.ID, &item.EntityType, &item.EntityID, &op, &payload,
		&baseVersion, &baseSnapshot, &createdAt, &status, &item.RetryCount, &lastError,
		&errorKind, &nextAttemptAt, &conflictID, &resolves, &syncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("sync: scanning queue item: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
		return nil, fmt.Errorf("sync: decoding payload of %s: %w", item.ID, err)
	}

	if item.BaseSnapshot, err = decodeRecord(baseSnapshot); err != nil {
		return nil, err
	}

	item.Operation = Operation(op)
	item.Status = ItemStatus(status)
	item.BaseVersion = baseVersion.Int64
	item.CreatedAt = time.Unix(0, createdAt)
	item.LastError = lastError.String
	item.ErrorKind = ErrorKind(errorKind.String)
	item.ConflictID = conflictID.String
	item.ResolvesConflictID = resolves.String
	item.SyncedAt = timeFromNull(syncedAt)

	if nextAttemptAt > 0 {
		item.NextAttemptAt = time.Unix(0, nextAttemptAt)
	}

	return &item, nil
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
