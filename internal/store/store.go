// Package store is the cloud-hosted relational store client (spec §6):
// every terminal's only channel to shared state — parameters, machine
// status, recipes, commands, history, and coordination rows. There is no
// other cross-terminal communication path.
//
// Grounded on the pgxpool connection-lifecycle pattern from the
// joaofoltran-pg-migrator example (internal/pipeline/pipeline.go):
// pgxpool.New(ctx, dsn) followed by a Ping inside a bounded
// context.WithTimeout, tearing the pool down again on a failed ping
// rather than handing back a pool nobody verified.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
)

// Store wraps a pgx connection pool plus the batch timeout every
// multi-row submission is bounded by.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	batchTimeout time.Duration
}

// New opens a pool against cfg.DSN and verifies it with a ping before
// returning, so callers never hold a Store backed by a connection that
// never actually came up.
func New(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{
		pool:         pool,
		log:          log,
		batchTimeout: cfg.BatchTimeout,
	}, nil
}

// Close releases the pool. Safe to call once at terminal shutdown.
func (s *Store) Close() {
	s.pool.Close()
}

// batchCtx bounds a multi-row submission at the configured store
// per-batch timeout (§5).
func (s *Store) batchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.batchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
