// Package db constructs the single process-wide pgx connection pool backing
// pkg/store and pkg/checkpoint. It is built once at process start, never
// per invocation.
package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicaltrials/gridline/pkg/config"
)

//go:embed schema.sql
var schemaFS embed.FS

// Pool wraps a pgxpool.Pool. It is constructed once at process start and
// threaded through every repository in pkg/store and pkg/checkpoint.
type Pool struct {
	*pgxpool.Pool
}

// Open connects to Postgres using cfg, applies the embedded schema DDL, and
// returns a ready-to-use pool. Pool exhaustion at runtime is a fatal
// configuration error — callers are expected to size cfg.MaxConns
// generously rather than retry exhaustion.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db: DATABASE_URL not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: parsing DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	if err := applySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: applying schema: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// applySchema runs the embedded DDL. Statements use IF NOT EXISTS so this
// is idempotent across repeated process starts against the same database;
// schema migration proper belongs to the embedding deployment.
func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	raw, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading embedded schema: %w", err)
	}
	_, err = pool.Exec(ctx, string(raw))
	return err
}

// Close releases the pool. Safe to call once at process shutdown.
func (p *Pool) Close() {
	p.Pool.Close()
}
