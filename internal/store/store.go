// Package store is the controller's persistent layer (§4.1): a pooled
// Postgres client, schema migrations, and the checkpoint/runner/operation-log
// repositories. All state-modifying flows take explicit row locks; cross-
// replica mutual exclusion is layered on top by Locker (locks.go).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a pgx connection pool sized per §4.1 (default 10 + 5 overflow,
// recycled periodically).
type Store struct {
	pool *pgxpool.Pool
}

// Config mirrors the pool knobs named in spec.md §6.3.
type Config struct {
	DatabaseURL    string
	PoolSize       int32
	PoolOverflow   int32
	ConnRecycle    time.Duration
}

// Open runs pending migrations with a standalone database/sql connection,
// then opens the pgx pool the application uses for all other traffic.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	maxConns := cfg.PoolSize + cfg.PoolOverflow
	if maxConns <= 0 {
		maxConns = 15
	}
	poolCfg.MaxConns = maxConns
	if cfg.PoolSize > 0 {
		poolCfg.MinConns = cfg.PoolSize
	}
	if cfg.ConnRecycle > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnRecycle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping is used by the /healthz handler (§6.1, "deep" healthcheck per
// SPEC_FULL.md).
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pgx pool for repositories in this package.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
