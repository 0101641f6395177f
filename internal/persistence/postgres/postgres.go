// Package postgres is the pgx-backed implementation of the persistence
// contracts. It is safe for concurrent dispatchers: job leasing uses
// FOR UPDATE SKIP LOCKED so each queued job is claimed by exactly one
// worker, and all counters are advanced with single-statement upserts.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

// Store implements the persistence interfaces over a pgx connection pool.
// The ephemeral queue lives in its own type (Ephemerals) because its method
// set mirrors the job queue's.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Pool exposes the underlying pool for sibling stores.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

var (
	_ persistence.JobStore        = (*Store)(nil)
	_ persistence.PipelineStore   = (*Store)(nil)
	_ persistence.ConnectionStore = (*Store)(nil)
	_ persistence.RunStore        = (*Store)(nil)
	_ persistence.StepStore       = (*Store)(nil)
	_ persistence.AgentStore      = (*Store)(nil)
)
