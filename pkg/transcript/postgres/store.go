// Package postgres provides a PostgreSQL-backed [transcript.Store] using a
// pgx connection pool. The schema is created on first connect if absent.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachflow/coachflow/pkg/transcript"
)

// schema is applied idempotently at connect time.
const schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    role       TEXT        NOT NULL,
    text       TEXT        NOT NULL,
    source     TEXT        NOT NULL,
    speaker    TEXT        NOT NULL DEFAULT '',
    timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transcript_entries_session_ts_idx
    ON transcript_entries (session_id, timestamp);`

// Store is a [transcript.Store] backed by PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ transcript.Store = (*Store)(nil)

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// WriteEntry implements [transcript.Store]. Non-final entries are rejected;
// only committed transcript lines are persisted.
func (s *Store) WriteEntry(ctx context.Context, entry transcript.Entry) error {
	if !entry.Final {
		return fmt.Errorf("transcript store: refusing to persist non-final entry")
	}

	const q = `
		INSERT INTO transcript_entries (session_id, role, text, source, speaker, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		entry.Role,
		entry.Text,
		string(entry.Source),
		entry.Speaker,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcript store: write entry: %w", err)
	}
	return nil
}

// Recent implements [transcript.Store]. It returns entries for sessionID no
// older than within, ordered chronologically.
func (s *Store) Recent(ctx context.Context, sessionID string, within time.Duration) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, role, text, source, speaker, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		  AND  timestamp  >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID, within.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans rows into transcript entries, closing rows on return.
func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	defer rows.Close()

	var out []transcript.Entry
	for rows.Next() {
		var (
			e   transcript.Entry
			src string
		)
		if err := rows.Scan(&e.SessionID, &e.Role, &e.Text, &src, &e.Speaker, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("transcript store: scan: %w", err)
		}
		e.Source = transcript.Source(src)
		e.Final = true
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript store: rows: %w", err)
	}
	return out, nil
}
