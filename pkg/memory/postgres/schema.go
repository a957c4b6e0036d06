// Package postgres provides a PostgreSQL-backed [memory.SessionStore].
//
// Records live in a single sessions table; turns and analysis are JSONB
// columns and the transcript carries a GIN full-text index used by Search.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Save(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT         PRIMARY KEY,
    started_at      TIMESTAMPTZ  NOT NULL,
    duration_ns     BIGINT       NOT NULL DEFAULT 0,
    transcript      TEXT         NOT NULL DEFAULT '',
    turns           JSONB        NOT NULL DEFAULT '[]',
    analysis        JSONB,
    analysis_error  TEXT         NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_fts
    ON sessions USING GIN (to_tsvector('english', transcript));
`

// Migrate creates the sessions table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
