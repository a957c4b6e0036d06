package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const selectColumns = `id, started_at, duration_ns, transcript, turns, analysis, analysis_error`

// Save implements [memory.SessionStore]. It upserts by ID; a record without an
// ID gets a fresh UUID.
func (s *Store) Save(ctx context.Context, rec memory.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = memory.NewID()
	}

	turns := rec.Turns
	if turns == nil {
		turns = []stt.Turn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("session store: encode turns: %w", err)
	}

	var analysisJSON any
	if rec.Analysis != nil {
		b, err := json.Marshal(rec.Analysis)
		if err != nil {
			return fmt.Errorf("session store: encode analysis: %w", err)
		}
		analysisJSON = string(b)
	}

	const q = `
		INSERT INTO sessions
		    (id, started_at, duration_ns, transcript, turns, analysis, analysis_error, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, now())
		ON CONFLICT (id) DO UPDATE SET
		    started_at     = EXCLUDED.started_at,
		    duration_ns    = EXCLUDED.duration_ns,
		    transcript     = EXCLUDED.transcript,
		    turns          = EXCLUDED.turns,
		    analysis       = EXCLUDED.analysis,
		    analysis_error = EXCLUDED.analysis_error,
		    updated_at     = now()`

	_, err = s.pool.Exec(ctx, q,
		rec.ID,
		rec.StartedAt,
		rec.Duration.Nanoseconds(),
		rec.Transcript,
		string(turnsJSON),
		analysisJSON,
		rec.AnalysisError,
	)
	if err != nil {
		return fmt.Errorf("session store: save: %w", err)
	}
	return nil
}

// Get implements [memory.SessionStore].
func (s *Store) Get(ctx context.Context, id string) (memory.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("session store: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.SessionRecord{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("session store: get: %w", err)
	}
	return rec, nil
}

// List implements [memory.SessionStore].
func (s *Store) List(ctx context.Context, opts memory.ListOptions) ([]memory.SessionRecord, error) {
	args := []any{}
	q := `SELECT ` + selectColumns + ` FROM sessions`
	if !opts.Before.IsZero() {
		args = append(args, opts.Before)
		q += fmt.Sprintf(" WHERE started_at < $%d", len(args))
	}
	q += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	return collectRecords(rows)
}

// Search implements [memory.SessionStore] with PostgreSQL full-text search.
// The query goes through plainto_tsquery, so no operator syntax is needed.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]memory.SessionRecord, error) {
	args := []any{query}
	q := `SELECT ` + selectColumns + `
		FROM   sessions
		WHERE  to_tsvector('english', transcript) @@ plainto_tsquery('english', $1)
		ORDER  BY started_at DESC, id`
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $2"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: search: %w", err)
	}
	return collectRecords(rows)
}

// Delete implements [memory.SessionStore].
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func collectRecords(rows pgx.Rows) ([]memory.SessionRecord, error) {
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []memory.SessionRecord{}
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (memory.SessionRecord, error) {
	var (
		rec          memory.SessionRecord
		durationNS   int64
		turnsJSON    []byte
		analysisJSON []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.StartedAt,
		&durationNS,
		&rec.Transcript,
		&turnsJSON,
		&analysisJSON,
		&rec.AnalysisError,
	); err != nil {
		return memory.SessionRecord{}, err
	}
	rec.Duration = time.Duration(durationNS)

	if err := json.Unmarshal(turnsJSON, &rec.Turns); err != nil {
		return memory.SessionRecord{}, fmt.Errorf("decode turns: %w", err)
	}
	if len(analysisJSON) > 0 {
		rec.Analysis = &memory.Analysis{}
		if err := json.Unmarshal(analysisJSON, rec.Analysis); err != nil {
			return memory.SessionRecord{}, fmt.Errorf("decode analysis: %w", err)
		}
	}
	return rec, nil
}
