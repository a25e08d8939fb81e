// Package storage holds what the PostgreSQL, SQLite and badger adapters
// share: pool construction, schema migration and span helpers.
package storage

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ahrav/blockscan/db"
)

// PoolConfig sizes the PostgreSQL connection pool. A scan issues one query
// at a time so the defaults stay small.
type PoolConfig struct {
	DSN      string
	MinConns int32
	MaxConns int32
}

// OpenPool connects to PostgreSQL with query tracing enabled and verifies
// the connection.
func OpenPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConns = 4
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded schema through a database/sql handle
// borrowed from pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn := stdlib.OpenDBFromPool(pool)
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("could not reach db for migrations: %w", err)
	}

	driver, err := pgx.WithInstance(conn, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}
	return db.Migrate(driver, db.DialectPostgres)
}
