// Package history persists run summaries to PostgreSQL.
//
// The store is optional: it is wired only when CROSSTALK_HISTORY_DSN is set,
// and writes are best-effort. A run never fails because its summary could
// not be recorded.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRunHistory = `
CREATE TABLE IF NOT EXISTS run_history (
    id             BIGSERIAL    PRIMARY KEY,
    request_id     TEXT         NOT NULL,
    base_name      TEXT         NOT NULL DEFAULT '',
    engine         TEXT         NOT NULL DEFAULT '',
    pipeline_mode  TEXT         NOT NULL DEFAULT '',
    llm_mode       TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL,
    match_percent  DOUBLE PRECISION,
    total_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    steps          JSONB        NOT NULL DEFAULT '[]',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_history_created_at
    ON run_history (created_at);
`

// RunRecord is one terminal run summary.
type RunRecord struct {
	RequestID     string         `json:"requestId"`
	BaseName      string         `json:"baseName"`
	Engine        string         `json:"engine"`
	PipelineMode  string         `json:"pipelineMode"`
	LLMMode       string         `json:"llmMode"`
	Status        string         `json:"status"`
	MatchPercent  *float64       `json:"matchPercent,omitempty"`
	TotalDuration float64        `json:"totalDuration"`
	Steps         map[string]any `json:"steps,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Store is the PostgreSQL-backed run history. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the run_history table
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlRunHistory); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Record appends one run summary.
func (s *Store) Record(ctx context.Context, r RunRecord) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("history: marshal steps: %w", err)
	}
	const q = `
		INSERT INTO run_history
		    (request_id, base_name, engine, pipeline_mode, llm_mode, status, match_percent, total_duration, steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.pool.Exec(ctx, q,
		r.RequestID, r.BaseName, r.Engine, r.PipelineMode, r.LLMMode,
		r.Status, r.MatchPercent, r.TotalDuration, steps)
	if err != nil {
		return fmt.Errorf("history: record run: %w", err)
	}
	return nil
}

// Recent returns the most recent run summaries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT request_id, base_name, engine, pipeline_mode, llm_mode, status, match_percent, total_duration, steps, created_at
		FROM   run_history
		ORDER  BY created_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r     RunRecord
			steps []byte
		)
		if err := rows.Scan(&r.RequestID, &r.BaseName, &r.Engine, &r.PipelineMode,
			&r.LLMMode, &r.Status, &r.MatchPercent, &r.TotalDuration, &steps, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &r.Steps); err != nil {
				return nil, fmt.Errorf("history: decode steps: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
