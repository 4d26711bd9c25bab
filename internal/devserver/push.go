package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hmsync/wardsync/internal/sync"
	"github.com/hmsync/wardsync/internal/transport"
)

// Metadata fields the server stamps on every stored record.
const (
	fieldID        = "id"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
)

// PushOutcome summarizes a push for the HTTP layer.
type PushOutcome struct {
	Results []transport.PushResult
	// Head is the newest feed sequence after the push; 0 when nothing was
	// written.
	Head int64
}

// Push applies a batch from one device. Each item is checked and written in
// its own transaction: a conflict on one item does not block the others.
func (s *Store) Push(ctx context.Context, device transport.DeviceInfo, items []transport.PushItem) (*PushOutcome, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	out := &PushOutcome{Results: make([]transport.PushResult, 0, len(items))}

	for _, it := range items {
		res, seq, err := s.pushItem(ctx, device.DeviceID, it)
		if err != nil {
			return nil, err
		}

		if seq > out.Head {
			out.Head = seq
		}

		s.logger.Debug("push item",
			slog.String("id", it.ID),
			slog.String("entity", it.EntityType+"/"+it.EntityID),
			slog.String("operation", it.Operation),
			slog.Int64("base_version", it.BaseVersion),
			slog.String("status", res.Status),
		)

		out.Results = append(out.Results, res)
	}

	return out, nil
}

func (s *Store) pushItem(ctx context.Context, deviceID string, it transport.PushItem) (transport.PushResult, int64, error) {
	if msg := validateItem(it); msg != "" {
		return transport.PushResult{ID: it.ID, Status: string(sync.PushRejected), Error: msg}, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transport.PushResult{}, 0, fmt.Errorf("devserver: beginning push: %w", err)
	}
	defer tx.Rollback()

	// A retried item the server already applied gets its original answer.
	if prev, ok, err := s.appliedResult(ctx, tx, it.ID); err != nil {
		return transport.PushResult{}, 0, err
	} else if ok {
		return prev, 0, nil
	}

	rec, err := s.getRecord(ctx, tx, it.EntityType, it.EntityID)
	if err != nil {
		return transport.PushResult{}, 0, err
	}

	next, res := s.decide(it, rec)
	if next == nil {
		return res, 0, nil
	}

	seq, err := s.write(ctx, tx, it.EntityType, it.EntityID, it.Operation, deviceID, next)
	if err != nil {
		return transport.PushResult{}, 0, err
	}

	if err := s.recordApplied(ctx, tx, it.ID, deviceID, res); err != nil {
		return transport.PushResult{}, 0, err
	}

	if err := tx.Commit(); err != nil {
		return transport.PushResult{}, 0, fmt.Errorf("devserver: committing push: %w", err)
	}

	return res, seq, nil
}

// decide runs the optimistic version check. It returns the record to write
// and an applied result, or a nil record and the result to report.
func (s *Store) decide(it transport.PushItem, cur *record) (*record, transport.PushResult) {
	now := s.nowFunc().UTC()

	switch sync.Operation(it.Operation) {
	case sync.OpCreate:
		if cur.live() {
			return nil, conflictResult(it.ID, cur)
		}

		// Creating over a tombstone brings the entity back.
		version := int64(1)
		if cur != nil {
			version = cur.Version + 1
		}

		return s.applied(it, &record{Version: version, Data: clone(it.Payload), UpdatedAt: now})

	case sync.OpUpdate:
		if cur == nil {
			return nil, transport.PushResult{ID: it.ID, Status: string(sync.PushRejected), Error: "record does not exist"}
		}

		if cur.Deleted || it.BaseVersion != cur.Version {
			return nil, conflictResult(it.ID, cur)
		}

		data := clone(cur.Data)
		for k, v := range it.Payload {
			data[k] = v
		}

		return s.applied(it, &record{Version: cur.Version + 1, Data: data, UpdatedAt: now})

	default: // sync.OpDelete, validated earlier
		if !cur.live() || it.BaseVersion != cur.Version {
			return nil, conflictResult(it.ID, cur)
		}

		return s.applied(it, &record{Version: cur.Version + 1, Deleted: true, UpdatedAt: now})
	}
}

func (s *Store) applied(it transport.PushItem, next *record) (*record, transport.PushResult) {
	if next.Data != nil {
		next.Data[fieldID] = it.EntityID
		next.Data[fieldVersion] = next.Version
		next.Data[fieldUpdatedAt] = next.UpdatedAt.Format(time.RFC3339Nano)
	}

	return next, transport.PushResult{
		ID:         it.ID,
		Status:     string(sync.PushApplied),
		NewVersion: next.Version,
		Record:     next.Data,
	}
}

func conflictResult(id string, cur *record) transport.PushResult {
	res := transport.PushResult{ID: id, Status: string(sync.PushConflict)}

	if cur == nil {
		res.ServerDeleted = true
		return res
	}

	res.ServerVersion = cur.Version

	if cur.Deleted {
		res.ServerDeleted = true
	} else {
		res.Record = cur.Data
	}

	return res
}

func validateItem(it transport.PushItem) string {
	switch {
	case it.ID == "":
		return "item id is required"
	case it.EntityType == "" || it.EntityID == "":
		return "entity type and id are required"
	case !sync.Operation(it.Operation).Valid():
		return fmt.Sprintf("unknown operation %q", it.Operation)
	case it.BaseVersion < 0:
		return "base version must not be negative"
	default:
		return ""
	}
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+3)
	for k, v := range m {
		out[k] = v
	}

	return out
}

func (s *Store) appliedResult(ctx context.Context, tx *sql.Tx, id string) (transport.PushResult, bool, error) {
	var raw string

	err := tx.QueryRowContext(ctx, s.rebind(`SELECT result FROM applied_items WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.PushResult{}, false, nil
	}

	if err != nil {
		return transport.PushResult{}, false, fmt.Errorf("devserver: reading applied item %s: %w", id, err)
	}

	var res transport.PushResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return transport.PushResult{}, false, fmt.Errorf("devserver: decoding applied item %s: %w", id, err)
	}

	return res, true, nil
}

// recordApplied remembers an applied item. Conflicts are not remembered: the
// client rebases and re-sends under the same id.
func (s *Store) recordApplied(ctx context.Context, tx *sql.Tx, id, deviceID string, res transport.PushResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("devserver: encoding result for %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO applied_items (id, device_id, result, applied_at) VALUES (?, ?, ?, ?)`),
		id, deviceID, string(b), s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("devserver: recording applied item %s: %w", id, err)
	}

	return nil
}
