package sync

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	// Keep only the newest pulled change per entity.
	sqlUpsertDeferred = `INSERT INTO deferred_changes
		(entity_type, entity_id, operation, version, record, changed_at, origin_device, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		 operation = excluded.operation,
		 version = excluded.version,
		 record = excluded.record,
		 changed_at = excluded.changed_at,
		 origin_device = excluded.origin_device,
		 received_at = excluded.received_at
		WHERE excluded.version > deferred_changes.version`

	sqlListDeferred = `SELECT entity_type, entity_id, operation, version, record, changed_at, origin_device
		FROM deferred_changes ORDER BY received_at`

	sqlDeleteDeferred = `DELETE FROM deferred_changes WHERE entity_type = ? AND entity_id = ?`

	sqlCountDeferred = `SELECT COUNT(*) FROM deferred_changes`
)

// deferredStore holds pulled server changes for entities that still have
// local items in flight. They are applied once the local items settle.
type deferredStore struct {
	store *Store
}

func (d *deferredStore) put(ctx context.Context, q dbtx, ch RemoteChange) error {
	record, err := encodeRecord(ch.Record)
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, sqlUpsertDeferred,
		ch.EntityType, ch.EntityID, string(ch.Operation), ch.Version, record,
		nullTime(ch.ChangedAt), nullString(ch.OriginDevice), d.store.nowFunc().UnixNano(),
	); err != nil {
		return fmt.Errorf("sync: deferring change of %s/%s: %w", ch.EntityType, ch.EntityID, err)
	}

	return nil
}

func (d *deferredStore) list(ctx context.Context) ([]RemoteChange, error) {
	rows, err := d.store.db.QueryContext(ctx, sqlListDeferred)
	if err != nil {
		return nil, fmt.Errorf("sync: listing deferred changes: %w", err)
	}
	defer rows.Close()

	var out []RemoteChange

	for rows.Next() {
		var (
			ch        RemoteChange
			op        string
			record    sql.NullString
			changedAt sql.NullInt64
			origin    sql.NullString
		)

		if err := rows.Scan(&ch.EntityType, &ch.EntityID, &op, &ch.Version, &record, &changedAt, &origin); err != nil {
			return nil, fmt.Errorf("sync: scanning deferred change: %w", err)
		}

		if ch.Record, err = decodeRecord(record); err != nil {
			return nil, err
		}

		ch.Operation = Operation(op)
		ch.ChangedAt = timeFromNull(changedAt)
		ch.OriginDevice = origin.String
		out = append(out, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: reading deferred changes: %w", err)
	}

	return out, nil
}

func (d *deferredStore) remove(ctx context.Context, q dbtx, entityType, entityID string) error {
	if _, err := q.ExecContext(ctx, sqlDeleteDeferred, entityType, entityID); err != nil {
		return fmt.Errorf("sync: dropping deferred change of %s/%s: %w", entityType, entityID, err)
	}

	return nil
}

func (d *deferredStore) count(ctx context.Context) (int, error) {
	var n int
	if err := d.store.db.QueryRowContext(ctx, sqlCountDeferred).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting deferred changes: %w", err)
	}

	return n, nil
}
