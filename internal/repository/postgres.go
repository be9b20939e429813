// Package repository is the pgx-backed persistence layer: one
// *pgxpool.Pool shared by every store, a schema migration runner that
// executes a single versioned SQL file, and per-entity store types
// (Sensors, Profiles, Telemetry, Backfill, Sessions, Webhooks) that
// group the SQL for one part of the domain model.
package repository

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	Pool *pgxpool.Pool
}

// New parses dbURL, applies pool-size overrides the same way
// DB_MAX_OPEN_CONNS/DB_MAX_IDLE_CONNS have always overridden the
// pool's MaxConns/MinConns in this codebase, and opens the pool.
func New(ctx context.Context, dbURL string, maxConns, minConns int32) (*Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		poolCfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return &Repository{Pool: pool}, nil
}

func (r *Repository) Close() {
	r.Pool.Close()
}

// Migrate executes the schema file in full. It is intentionally
// simple (no up/down versioning) since the schema is owned by this
// service alone and evolves by editing schema.sql directly.
func (r *Repository) Migrate(ctx context.Context, schemaPath string) error {
	sql, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	if _, err := r.Pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.Pool.Ping(ctx)
}
