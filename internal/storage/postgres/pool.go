// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Schema creates the pets table and the dispatch audit trail.
const Schema = `
CREATE TABLE IF NOT EXISTS pets (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('dog', 'cat')),
	name TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	has_jpeg BOOLEAN NOT NULL DEFAULT FALSE,
	has_webp BOOLEAN NOT NULL DEFAULT FALSE,
	screenshot_requested_at TIMESTAMPTZ,
	screenshot_completed_at TIMESTAMPTZ,
	image_checked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pets_missing_images_idx ON pets (created_at DESC)
	WHERE NOT is_deleted AND (NOT has_jpeg OR NOT has_webp);
CREATE TABLE IF NOT EXISTS dispatch_history (
	batch_id TEXT PRIMARY KEY,
	pet_count INTEGER NOT NULL,
	pet_ids TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS dispatch_log (
	id BIGSERIAL PRIMARY KEY,
	pet_id TEXT NOT NULL,
	action TEXT NOT NULL,
	retry_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatch_log_pet_action_idx ON dispatch_log (pet_id, action);
CREATE TABLE IF NOT EXISTS dispatch_failures (
	id BIGSERIAL PRIMARY KEY,
	operation TEXT NOT NULL,
	batch_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
