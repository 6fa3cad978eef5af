// Package database owns the session archive store: a pgx pool plus the
// embedded schema migrations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Archive writes happen in bursts at session end, not per request, so the
// pool stays small.
const (
	defaultMaxConns    = 8
	defaultMaxLifetime = 30 * time.Minute
)

// NewPostgresPool opens and pings the archive store.
func NewPostgresPool(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	config.MaxConns = defaultMaxConns
	config.MaxConnLifetime = defaultMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("archive store connected", zap.Int32("max_conns", config.MaxConns))
	return pool, nil
}
