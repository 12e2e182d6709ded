package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// DefaultPostgresTable is the table used when WithPostgresTable is not given.
const DefaultPostgresTable = "rate_limit_records"

// PgxConn is the subset of pgx used by PostgresStore.
// Both *pgxpool.Pool and *pgx.Conn satisfy it.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface on a PostgreSQL table.
// Increment is a single upsert statement, so the row lock taken by
// ON CONFLICT serialises concurrent requests for the same key.
type PostgresStore struct {
	db    PgxConn
	table string

	incrementSQL     string
	getSQL           string
	deleteSQL        string
	deleteExpiredSQL string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTable overrides the table name.
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewPostgresStore creates a store backed by the given connection or pool.
func NewPostgresStore(db PgxConn, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:    db,
		table: DefaultPostgresTable,
	}
	for _, opt := range opts {
		opt(s)
	}

	t := pgx.Identifier{s.table}.Sanitize()
	s.incrementSQL = fmt.Sprintf(`
INSERT INTO %[1]s AS r (key, count, window_start_ms, window_ms)
VALUES ($1, 1, $2::bigint, $3::bigint)
ON CONFLICT (key) DO UPDATE SET
	count = CASE WHEN $2::bigint - r.window_start_ms > $3::bigint THEN 1 ELSE r.count + 1 END,
	window_start_ms = CASE WHEN $2::bigint - r.window_start_ms > $3::bigint THEN $2::bigint ELSE r.window_start_ms END,
	window_ms = $3::bigint
RETURNING count, window_start_ms`, t)
	s.getSQL = fmt.Sprintf(`SELECT count, window_start_ms, window_ms FROM %s WHERE key = $1`, t)
	s.deleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t)
	s.deleteExpiredSQL = fmt.Sprintf(`DELETE FROM %s WHERE $1::bigint - window_start_ms > window_ms`, t)
	return s
}

// Migrate creates the records table and its expiry index when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	t := pgx.Identifier{s.table}.Sanitize()
	idx := pgx.Identifier{s.table + "_expiry_idx"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	count BIGINT NOT NULL CHECK (count >= 0),
	window_start_ms BIGINT NOT NULL,
	window_ms BIGINT NOT NULL
)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((window_start_ms + window_ms))`, idx, t),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: postgres migrate: %w", ErrStoreUnavailable, err)
		}
	}
	log.Info().Str("table", s.table).Msg("postgres rate limit table ready")
	return nil
}

// Increment implements the Store interface for PostgreSQL storage.
func (s *PostgresStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	var count, startMs int64
	err := s.db.QueryRow(ctx, s.incrementSQL, key, now.UnixMilli(), window.Milliseconds()).Scan(&count, &startMs)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("postgres upsert failed")
		return Record{}, fmt.Errorf("%w: postgres increment for key %s: %w", ErrStoreUnavailable, key, err)
	}
	return Record{
		Count:       count,
		WindowStart: time.UnixMilli(startMs),
		Window:      window,
	}, nil
}

// Get implements the Store interface for PostgreSQL storage.
func (s *PostgresStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var count, startMs, windowMs int64
	err := s.db.QueryRow(ctx, s.getSQL, key).Scan(&count, &startMs, &windowMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: postgres get for key %s: %w", ErrStoreUnavailable, key, err)
	}
	return Record{
		Count:       count,
		WindowStart: time.UnixMilli(startMs),
		Window:      time.Duration(windowMs) * time.Millisecond,
	}, true, nil
}

// Delete implements the Store interface for PostgreSQL storage.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, s.deleteSQL, key); err != nil {
		return fmt.Errorf("%w: postgres delete for key %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// DeleteExpired implements the Store interface for PostgreSQL storage.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, s.deleteExpiredSQL, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: postgres sweep: %w", ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

var _ Store = (*PostgresStore)(nil)
