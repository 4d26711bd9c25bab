package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const conflictSelectCols = `id, entity_type, entity_id, facility_id, client_id, queue_item_id,
	conflict_type, local_operation, local_changed_at, local_version, server_version,
	base_snapshot, server_version_number, conflict_fields, status, resolution,
	field_choices, resolution_item_id, resolved_by, notes, detected_at, resolved_at`

const (
	// Upsert so a resolution item that conflicts again reopens its conflict.
	sqlUpsertConflict = `INSERT INTO conflicts
		(id, entity_type, entity_id, facility_id, client_id, queue_item_id, conflict_type,
		 local_operation, local_changed_at, local_version, server_version, base_snapshot,
		 server_version_number, conflict_fields, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?)
		ON CONFLICT(id) DO UPDATE SET
		 queue_item_id = excluded.queue_item_id,
		 conflict_type = excluded.conflict_type,
		 local_operation = excluded.local_operation,
		 local_changed_at = excluded.local_changed_at,
		 local_version = excluded.local_version,
		 server_version = excluded.server_version,
		 base_snapshot = excluded.base_snapshot,
		 server_version_number = excluded.server_version_number,
		 conflict_fields = excluded.conflict_fields,
		 status = 'PENDING',
		 resolution = NULL,
		 field_choices = NULL,
		 resolution_item_id = NULL,
		 resolved_by = NULL,
		 resolved_at = NULL,
		 detected_at = excluded.detected_at`

	sqlGetConflict = `SELECT ` + conflictSelectCols + ` FROM conflicts WHERE id = ?`

	sqlListConflicts = `SELECT ` + conflictSelectCols + ` FROM conflicts ORDER BY detected_at, id`

	sqlListConflictsByStatus = `SELECT ` + conflictSelectCols + ` FROM conflicts
		WHERE status = ? ORDER BY detected_at, id`

	sqlFindConflictPrefix = `SELECT ` + conflictSelectCols + ` FROM conflicts
		WHERE id LIKE ? ESCAPE '\' ORDER BY detected_at LIMIT 2`

	sqlRecordResolution = `UPDATE conflicts
		SET resolution = ?, field_choices = ?, resolution_item_id = ?, resolved_by = ?, notes = ?
		WHERE id = ? AND status = 'PENDING'`

	sqlMarkConflictResolved = `UPDATE conflicts
		SET status = 'RESOLVED', resolved_at = ?,
		    resolution = COALESCE(?, resolution),
		    field_choices = COALESCE(?, field_choices),
		    resolved_by = COALESCE(?, resolved_by),
		    notes = COALESCE(?, notes)
		WHERE id = ? AND status = 'PENDING'`

	sqlCountPendingConflicts = `SELECT COUNT(*) FROM conflicts WHERE status = 'PENDING'`
)

// ConflictStore persists SyncConflicts. A conflict only reaches RESOLVED once
// the item that encodes its resolution has been acknowledged by the server.
type ConflictStore struct {
	store *Store
}

func (s *ConflictStore) put(ctx context.Context, q dbtx, c *SyncConflict) error {
	local, err := encodeRecord(c.LocalVersion)
	if err != nil {
		return err
	}

	server, err := encodeRecord(c.ServerVersion)
	if err != nil {
		return err
	}

	base, err := encodeRecord(c.BaseSnapshot)
	if err != nil {
		return err
	}

	fields, err := json.Marshal(c.ConflictFields)
	if err != nil {
		return fmt.Errorf("sync: encoding conflict fields: %w", err)
	}

	_, err = q.ExecContext(ctx, sqlUpsertConflict,
		c.ID, c.EntityType, c.EntityID, nullString(c.FacilityID), nullString(c.ClientID),
		c.QueueItemID, string(c.Type), string(c.LocalOperation), c.LocalChangedAt.UnixNano(),
		local, server, base, c.ServerVersionNumber, string(fields), c.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sync: storing conflict %s: %w", c.ID, err)
	}

	c.Status = ConflictPending

	return nil
}

// Get returns one conflict by id.
func (s *ConflictStore) Get(ctx context.Context, id string) (*SyncConflict, error) {
	return s.get(ctx, s.store.db, id)
}

func (s *ConflictStore) get(ctx context.Context, q dbtx, id string) (*SyncConflict, error) {
	c, err := scanConflict(q.QueryRowContext(ctx, sqlGetConflict, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}

	return c, err
}

// Find resolves an exact conflict id or a unique id prefix.
func (s *ConflictStore) Find(ctx context.Context, idOrPrefix string) (*SyncConflict, error) {
	c, err := s.Get(ctx, idOrPrefix)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return c, err
	}

	list, err := s.query(ctx, sqlFindConflictPrefix, likePrefix(idOrPrefix))
	if err != nil {
		return nil, err
	}

	switch len(list) {
	case 0:
		return nil, fmt.Errorf("%w: conflict %s", ErrNotFound, idOrPrefix)
	case 1:
		return list[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches more than one conflict", ErrAmbiguousID, idOrPrefix)
	}
}

// List returns conflicts with the given status, or all of them when status
// is empty, oldest first.
func (s *ConflictStore) List(ctx context.Context, status ConflictStatus) ([]*SyncConflict, error) {
	if status == "" {
		return s.query(ctx, sqlListConflicts)
	}

	return s.query(ctx, sqlListConflictsByStatus, string(status))
}

func (s *ConflictStore) countPending(ctx context.Context) (int, error) {
	var n int
	if err := s.store.db.QueryRowContext(ctx, sqlCountPendingConflicts).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting conflicts: %w", err)
	}

	return n, nil
}

// recordResolution stores the user's decision while the resolution item is
// still waiting to be pushed. The conflict stays PENDING.
func (s *ConflictStore) recordResolution(ctx context.Context, q dbtx, id string, res Resolution, itemID string) error {
	choices, err := encodeChoices(res.FieldChoices)
	if err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, sqlRecordResolution,
		string(res.Kind), choices, itemID, string(res.ResolvedBy), nullString(res.Notes), id)
	if err != nil {
		return fmt.Errorf("sync: recording resolution of %s: %w", id, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	return nil
}

// markResolved closes a conflict. res may be nil when the decision was
// already recorded by recordResolution.
func (s *ConflictStore) markResolved(ctx context.Context, q dbtx, id string, res *Resolution, at time.Time) error {
	var (
		kind, by, notes sql.NullString
		choices         sql.NullString
	)

	if res != nil {
		kind = nullString(string(res.Kind))
		by = nullString(string(res.ResolvedBy))
		notes = nullString(res.Notes)

		var err error
		if choices, err = encodeChoices(res.FieldChoices); err != nil {
			return err
		}
	}

	if _, err := q.ExecContext(ctx, sqlMarkConflictResolved,
		at.UnixNano(), kind, choices, by, notes, id,
	); err != nil {
		return fmt.Errorf("sync: resolving conflict %s: %w", id, err)
	}

	return nil
}

func (s *ConflictStore) query(ctx context.Context, query string, args ...any) ([]*SyncConflict, error) {
	rows, err := s.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: querying conflicts: %w", err)
	}
	defer rows.Close()

	var out []*SyncConflict

	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: reading conflicts: %w", err)
	}

	return out, nil
}

func scanConflict(s rowScanner) (*SyncConflict, error) {
	var (
		c                                     SyncConflict
		facility, client                      sql.NullString
		ctype, localOp, status                string
		localChangedAt, detectedAt            int64
		local, server, base                   sql.NullString
		fields                                string
		resolution, choices, resItem, by, nts sql.NullString
		resolvedAt                            sql.NullInt64
	)

	err := s.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &facility, &client, &c.QueueItemID,
		&ctype, &localOp, &localChangedAt, &local, &server,
		&base, &c.ServerVersionNumber, &fields, &status, &resolution,
		&choices, &resItem, &by, &nts, &detectedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("sync: scanning conflict: %w", err)
	}

	if c.LocalVersion, err = decodeRecord(local); err != nil {
		return nil, err
	}

	if c.ServerVersion, err = decodeRecord(server); err != nil {
		return nil, err
	}

	if c.BaseSnapshot, err = decodeRecord(base); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fields), &c.ConflictFields); err != nil {
		return nil, fmt.Errorf("sync: decoding conflict fields of %s: %w", c.ID, err)
	}

	if choices.Valid {
		if err := json.Unmarshal([]byte(choices.String), &c.FieldChoices); err != nil {
			return nil, fmt.Errorf("sync: decoding field choices of %s: %w", c.ID, err)
		}
	}

	c.FacilityID = facility.String
	c.ClientID = client.String
	c.Type = ConflictType(ctype)
	c.LocalOperation = Operation(localOp)
	c.LocalChangedAt = time.Unix(0, localChangedAt)
	c.Status = ConflictStatus(status)
	c.Resolution = ResolutionKind(resolution.String)
	c.ResolutionItemID = resItem.String
	c.ResolvedBy = ResolvedBy(by.String)
	c.Notes = nts.String
	c.DetectedAt = time.Unix(0, detectedAt)
	c.ResolvedAt = timeFromNull(resolvedAt)

	return &c, nil
}

func encodeChoices(choices map[string]FieldChoice) (sql.NullString, error) {
	if len(choices) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(choices)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sync: encoding field choices: %w", err)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}
