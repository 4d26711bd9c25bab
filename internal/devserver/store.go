// Package devserver is a reference implementation of the sync server
// protocol. It keeps one authoritative copy of every record with an
// optimistic version counter, an append-only change feed for pulls, and a
// table of applied item ids so retried pushes are not applied twice.
//
// It backs the end-to-end tests and the `wardsync devserver` command. The
// store runs on SQLite (a file path DSN) or PostgreSQL (a postgres:// DSN).
package devserver

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	// PostgreSQL driver for database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}

	return "sqlite"
}

// Store is the server's authoritative state.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	nowFunc func() time.Time

	// pushMu serializes pushes so the version check and the write of one
	// item cannot interleave with another device's push.
	pushMu stdsync.Mutex
}

// OpenStore opens and migrates the server database. A DSN starting with
// postgres:// or postgresql:// selects PostgreSQL; anything else is a SQLite
// file path.
func OpenStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d, driver, source := parseDSN(dsn)

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("devserver: opening %s database: %w", d, err)
	}

	if d == dialectSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("devserver: connecting to %s database: %w", d, err)
	}

	if err := migrate(ctx, db, d, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("devserver store opened", slog.String("dialect", d.String()))

	return &Store{db: db, dialect: d, logger: logger, nowFunc: time.Now}, nil
}

func parseDSN(dsn string) (d dialect, driver, source string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dialectPostgres, "pgx", dsn
	}

	return dialectSQLite, "sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", dsn)
}

func migrate(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+d.String())
	if err != nil {
		return fmt.Errorf("devserver: migration sub-filesystem: %w", err)
	}

	gd := goose.DialectSQLite3
	if d == dialectPostgres {
		gd = goose.DialectPostgres
	}

	provider, err := goose.NewProvider(gd, db, sub)
	if err != nil {
		return fmt.Errorf("devserver: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("devserver: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// record is the server copy of one entity.
type record struct {
	Version   int64
	Data      map[string]any
	Deleted   bool
	UpdatedAt time.Time
}

func (r *record) live() bool {
	return r != nil && !r.Deleted
}

func (s *Store) getRecord(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*record, error) {
	var (
		rec     record
		data    sql.NullString
		deleted int
		updated int64
	)

	err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT version, data, deleted, updated_at FROM records WHERE entity_type = ? AND entity_id = ?`),
		entityType, entityID,
	).Scan(&rec.Version, &data, &deleted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("devserver: reading %s/%s: %w", entityType, entityID, err)
	}

	rec.Deleted = deleted != 0
	rec.UpdatedAt = time.Unix(0, updated).UTC()

	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
			return nil, fmt.Errorf("devserver: decoding %s/%s: %w", entityType, entityID, err)
		}
	}

	return &rec, nil
}

// Record returns the current server copy of an entity, or nil when it does
// not exist or was deleted.
func (s *Store) Record(ctx context.Context, entityType, entityID string) (map[string]any, int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == dialectPostgres})
	if err != nil {
		return nil, 0, fmt.Errorf("devserver: beginning read: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.getRecord(ctx, tx, entityType, entityID)
	if err != nil || rec == nil {
		return nil, 0, err
	}

	if rec.Deleted {
		return nil, rec.Version, nil
	}

	return rec.Data, rec.Version, nil
}

// write stores the new state of an entity and appends it to the change feed.
// It returns the feed sequence of the change.
func (s *Store) write(ctx context.Context, tx *sql.Tx, entityType, entityID, op, origin string, rec *record) (int64, error) {
	var data sql.NullString

	if rec.Data != nil {
		b, err := json.Marshal(rec.Data)
		if err != nil {
			return 0, fmt.Errorf("devserver: encoding %s/%s: %w", entityType, entityID, err)
		}

		data = sql.NullString{String: string(b), Valid: true}
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	ts := rec.UpdatedAt.UnixNano()

	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO records (entity_type, entity_id, version, data, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			version = excluded.version, data = excluded.data,
			deleted = excluded.deleted, updated_at = excluded.updated_at`),
		entityType, entityID, rec.Version, data, deleted, ts)
	if err != nil {
		return 0, fmt.Errorf("devserver: writing %s/%s: %w", entityType, entityID, err)
	}

	var seq int64

	err = tx.QueryRowContext(ctx, s.rebind(`INSERT INTO changes
		(entity_type, entity_id, operation, version, data, changed_at, origin_device)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		entityType, entityID, op, rec.Version, data, ts, origin,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("devserver: appending change for %s/%s: %w", entityType, entityID, err)
	}

	return seq, nil
}

// FeedChange is one row of the change feed.
type FeedChange struct {
	Seq          int64
	EntityType   string
	EntityID     string
	Operation    string
	Version      int64
	Data         map[string]any
	ChangedAt    time.Time
	OriginDevice string
}

// Changes returns up to limit feed entries after since, plus whether more
// entries follow.
func (s *Store) Changes(ctx context.Context, since int64, limit int) ([]FeedChange, bool, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, entity_type, entity_id, operation, version, data,
		changed_at, origin_device FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`), since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("devserver: reading change feed: %w", err)
	}
	defer rows.Close()

	var out []FeedChange

	for rows.Next() {
		var (
			ch   FeedChange
			data sql.NullString
			ts   int64
		)

		if err := rows.Scan(&ch.Seq, &ch.EntityType, &ch.EntityID, &ch.Operation, &ch.Version, &data,
			&ts, &ch.OriginDevice); err != nil {
			return nil, false, fmt.Errorf("devserver: scanning change: %w", err)
		}

		ch.ChangedAt = time.Unix(0, ts).UTC()

		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ch.Data); err != nil {
				return nil, false, fmt.Errorf("devserver: decoding change %d: %w", ch.Seq, err)
			}
		}

		out = append(out, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("devserver: iterating change feed: %w", err)
	}

	if len(out) > limit {
		return out[:limit], true, nil
	}

	return out, false, nil
}

// LatestSeq returns the newest feed sequence, 0 for an empty feed.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64

	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("devserver: reading feed head: %w", err)
	}

	return seq.Int64, nil
}
