package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlGetVersion = `SELECT entity_type, entity_id, version, snapshot, deleted, confirmed_at
		FROM entity_versions WHERE entity_type = ? AND entity_id = ?`

	sqlUpsertVersion = `INSERT INTO entity_versions
		(entity_type, entity_id, version, snapshot, deleted, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		 version = excluded.version,
		 snapshot = excluded.snapshot,
		 deleted = excluded.deleted,
		 confirmed_at = excluded.confirmed_at`

	sqlCountVersions = `SELECT COUNT(*) FROM entity_versions`
)

// VersionTracker records the last server-confirmed version of every cached
// entity. Reads are public; writes happen only inside coordinator
// transactions after the server has acknowledged a version.
type VersionTracker struct {
	store *Store
}

// Get returns the confirmed version of an entity, or nil when the entity was
// never confirmed by the server (it must be pushed as a CREATE).
func (v *VersionTracker) Get(ctx context.Context, entityType, entityID string) (*EntityVersion, error) {
	return v.get(ctx, v.store.db, entityType, entityID)
}

func (v *VersionTracker) get(ctx context.Context, q dbtx, entityType, entityID string) (*EntityVersion, error) {
	var (
		ev          EntityVersion
		snapshot    sql.NullString
		deleted     int
		confirmedAt int64
	)

	err := q.QueryRowContext(ctx, sqlGetVersion, entityType, entityID).Scan(
		&ev.EntityType, &ev.EntityID, &ev.Version, &snapshot, &deleted, &confirmedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading version of %s/%s: %w", entityType, entityID, err)
	}

	if ev.Snapshot, err = decodeRecord(snapshot); err != nil {
		return nil, err
	}

	ev.Deleted = deleted != 0
	ev.ConfirmedAt = time.Unix(0, confirmedAt)

	return &ev, nil
}

// set stores an authoritative version. Versions never move backwards: a
// stale write (for example a pulled echo of our own push) is ignored and
// reported as false.
func (v *VersionTracker) set(ctx context.Context, q dbtx, ev EntityVersion) (bool, error) {
	cur, err := v.get(ctx, q, ev.EntityType, ev.EntityID)
	if err != nil {
		return false, err
	}

	if cur != nil && cur.Version >= ev.Version {
		return false, nil
	}

	snapshot, err := encodeRecord(ev.Snapshot)
	if err != nil {
		return false, err
	}

	deleted := 0
	if ev.Deleted {
		deleted = 1
	}

	if ev.ConfirmedAt.IsZero() {
		ev.ConfirmedAt = v.store.nowFunc()
	}

	if _, err := q.ExecContext(ctx, sqlUpsertVersion,
		ev.EntityType, ev.EntityID, ev.Version, snapshot, deleted, ev.ConfirmedAt.UnixNano(),
	); err != nil {
		return false, fmt.Errorf("sync: writing version of %s/%s: %w", ev.EntityType, ev.EntityID, err)
	}

	return true, nil
}

// Count returns the number of tracked entities.
func (v *VersionTracker) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.store.db.QueryRowContext(ctx, sqlCountVersions).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting versions: %w", err)
	}

	return n, nil
}
