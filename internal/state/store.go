package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"antigravity/internal/logging"
)

// Store is the durable state client shared by every layer. All methods are
// context-first and safe for concurrent use; the pool serializes as needed.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// Config controls pool construction.
type Config struct {
	URL          string
	MaxConns     int32
	PingTimeout  time.Duration
	QueryTimeout time.Duration
}

// New connects to Postgres and verifies connectivity.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.QueryTimeout > 0 {
		// Server-side guard; callers still pass bounded contexts.
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", cfg.QueryTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool. Used by tests and embedded setups.
func NewFromPool(pool *pgxpool.Pool, logger logging.Logger) *Store {
	return &Store{pool: pool, logger: logging.OrNop(logger)}
}

// Ping probes connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// EnsureSchema creates all tables used by the orchestrator.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS config_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS system_state (
    item TEXT PRIMARY KEY,
    details JSONB NOT NULL DEFAULT '{}'::jsonb,
    category TEXT NOT NULL DEFAULT '',
    last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS task_def (
    name TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT true,
    schedule TEXT NOT NULL DEFAULT '',
    idle_only BOOLEAN NOT NULL DEFAULT false,
    priority TEXT NOT NULL DEFAULT 'medium',
    description TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    config JSONB NOT NULL DEFAULT '{}'::jsonb
);`,
		`CREATE TABLE IF NOT EXISTS mcp_server (
    name TEXT PRIMARY KEY,
    command TEXT NOT NULL DEFAULT '',
    args JSONB NOT NULL DEFAULT '[]'::jsonb,
    env JSONB NOT NULL DEFAULT '{}'::jsonb,
    enabled BOOLEAN NOT NULL DEFAULT true,
    type TEXT NOT NULL DEFAULT 'stdio'
);`,
		`CREATE TABLE IF NOT EXISTS fact (
    id BIGSERIAL PRIMARY KEY,
    entity TEXT NOT NULL,
    relation TEXT NOT NULL,
    target TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    kb_id TEXT NOT NULL DEFAULT 'default',
    UNIQUE (entity, relation, target, kb_id)
);`,
		`CREATE TABLE IF NOT EXISTS episode (
    id BIGSERIAL PRIMARY KEY,
    request_id TEXT NOT NULL,
    messages JSONB NOT NULL,
    consolidated BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS sovereign_file (
    kb_id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    last_synced TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS ingestion_history (
    file_hash TEXT PRIMARY KEY,
    kb_id TEXT NOT NULL DEFAULT 'default',
    file_path TEXT NOT NULL,
    file_size BIGINT NOT NULL DEFAULT 0,
    ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS tool_rating (
    tool_name TEXT PRIMARY KEY,
    overall_rating DOUBLE PRECISION NOT NULL DEFAULT 0,
    success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    usage_count BIGINT NOT NULL DEFAULT 0,
    deprecated BOOLEAN NOT NULL DEFAULT false,
    deprecation_reason TEXT NOT NULL DEFAULT '',
    last_evaluated TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS tool_performance (
    tool TEXT PRIMARY KEY,
    success_count BIGINT NOT NULL DEFAULT 0,
    failure_count BIGINT NOT NULL DEFAULT 0,
    reliability_score DOUBLE PRECISION NOT NULL DEFAULT 1,
    last_used TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS sentinel_rules (
    id BIGSERIAL PRIMARY KEY,
    pattern TEXT NOT NULL,
    allowed BOOLEAN NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    source TEXT NOT NULL DEFAULT 'learned'
);`,
		`CREATE TABLE IF NOT EXISTS bank_config (
    kb_id TEXT PRIMARY KEY,
    is_private BOOLEAN NOT NULL DEFAULT false,
    owner TEXT NOT NULL DEFAULT ''
);`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.logger.Info("State store schema ensured (%d tables)", len(statements))
	return nil
}
