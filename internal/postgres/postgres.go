// Package postgres opens pgx pools shared by the postgres cursor store and raw sink.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tgingest/pkg/logger"
	"tgingest/pkg/retry"
)

// Connect parses dsn, opens a small pool and pings it, retrying while the server comes up
func Connect(ctx context.Context, dsn string, log logger.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	err = retry.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, &retry.Config{
		MaxAttempts: 5,
		Backoff:     retry.DefaultExponentialBackoff(),
		// a ping timeout is retried; only the caller's own cancellation stops early
		RetryIf: func(err error) bool { return ctx.Err() == nil },
		Logger:  log,
		Name:    "postgres connect",
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres at %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}
