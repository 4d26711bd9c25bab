package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const (
	sqlGetState    = `SELECT value FROM sync_state WHERE key = ?`
	sqlUpsertState = `INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
)

// Keys of the sync_state table.
const (
	stateKeyPullCursor = "pull_cursor"
	stateKeyLastSync   = "last_sync_at"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so component helpers can run
// standalone or inside a caller's transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the device database. The change log, version tracker, conflict
// store and deferred change table all share its single connection.
type Store struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// OpenStore opens the SQLite database at dbPath and migrates it. WAL mode with
// synchronous=FULL makes every committed append durable before it returns.
func OpenStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// One connection: every write is serialized through it.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("sync store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		path:    dbPath,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing transaction: %w", err)
	}

	return nil
}

func (s *Store) getState(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, sqlGetState, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: reading state %s: %w", key, err)
	}

	return value, nil
}

func (s *Store) setState(ctx context.Context, q dbtx, key, value string) error {
	if _, err := q.ExecContext(ctx, sqlUpsertState, key, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("sync: writing state %s: %w", key, err)
	}

	return nil
}

// LastSyncAt returns when the last cycle without transport failures ended.
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	v, err := s.getState(ctx, stateKeyLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: parsing last sync time %q: %w", v, err)
	}

	return t, nil
}

func (s *Store) setLastSyncAt(ctx context.Context, t time.Time) error {
	return s.setState(ctx, s.db, stateKeyLastSync, t.UTC().Format(time.RFC3339Nano))
}

// encodeRecord stores nil records as SQL NULL.
func encodeRecord(r Record) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sync: encoding record: %w", err)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeRecord(ns sql.NullString) (Record, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}

	var r Record
	if err := json.Unmarshal([]byte(ns.String), &r); err != nil {
		return nil, fmt.Errorf("sync: decoding record: %w", err)
	}

	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullVersion(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}

	return time.Unix(0, n.Int64)
}
