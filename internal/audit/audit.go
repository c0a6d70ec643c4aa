// Package audit implements the optional, best-effort Postgres mirror of
// terminal execution records described in SPEC_FULL.md §4.12. It never
// gates or slows down the live workflow runtime (C9): every write is
// fire-and-forget from the caller's perspective.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/stratengine/internal/logging"
)

// Record mirrors a terminal ExecutionRecord for historical querying
// outside the live process (spec.md §3 "AuditRecord").
type Record struct {
	ExecutionID  string
	WorkflowID   string
	BotID        string
	StrategyID   string
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	ErrorKind    string
	ErrorMessage string
	NodeCount    int
}

// Sink is the write path C9 calls after a terminal event, grounded in the
// teacher's common/db pgxpool wrapper.
type Sink interface {
	Record(ctx context.Context, record Record)
	Close()
}

// Postgres is a Sink backed by a pgxpool.Pool. Construction failures are
// the caller's (infra.Assembly's) responsibility; once built, Record never
// returns an error — failures are logged and swallowed, matching C12's
// "fire-and-forget" contract.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgres opens a pooled connection to dsn, configured per the
// teacher's common/db.New (MaxConns bounded, short health check on open).
func NewPostgres(ctx context.Context, dsn string, maxConns int32, logger *logging.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS execution_audit (
	execution_id   TEXT PRIMARY KEY,
	workflow_id    TEXT NOT NULL,
	bot_id         TEXT,
	strategy_id    TEXT,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	ended_at       TIMESTAMPTZ,
	error_kind     TEXT,
	error_message  TEXT,
	node_count     INTEGER NOT NULL DEFAULT 0
)`)
	return err
}

// Record writes an audit row. A short, independent timeout bounds the
// write so a degraded database can never hold up the caller's own
// goroutine beyond a few seconds.
func (s *Postgres) Record(ctx context.Context, record Record) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(writeCtx, `
INSERT INTO execution_audit
	(execution_id, workflow_id, bot_id, strategy_id, status, started_at, ended_at, error_kind, error_message, node_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (execution_id) DO UPDATE SET
	status = EXCLUDED.status,
	ended_at = EXCLUDED.ended_at,
	error_kind = EXCLUDED.error_kind,
	error_message = EXCLUDED.error_message,
	node_count = EXCLUDED.node_count`,
		record.ExecutionID, record.WorkflowID, record.BotID, record.StrategyID, record.Status,
		record.StartedAt, nullableTime(record.EndedAt), record.ErrorKind, record.ErrorMessage, record.NodeCount,
	)
	if err != nil && s.logger != nil {
		s.logger.WithFields(map[string]any{"execution_id": record.ExecutionID, "error": err.Error()}).ErrorContext(ctx, "audit sink write failed")
	}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Close releases the pool's connections.
func (s *Postgres) Close() {
	s.pool.Close()
}
