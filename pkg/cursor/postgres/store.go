// Package postgres stores resume cursors in a PostgreSQL table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tgingest/pkg/cursor"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS raw;
CREATE TABLE IF NOT EXISTS raw.ingest_cursors (
    channel          TEXT        PRIMARY KEY,
    last_message_id  BIGINT      NOT NULL,
    last_message_ts  TIMESTAMPTZ NULL,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const upsertSQL = `
INSERT INTO raw.ingest_cursors (channel, last_message_id, last_message_ts, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel) DO UPDATE SET
    last_message_id = EXCLUDED.last_message_id,
    last_message_ts = EXCLUDED.last_message_ts,
    updated_at      = EXCLUDED.updated_at
WHERE EXCLUDED.last_message_id >= raw.ingest_cursors.last_message_id`

// db is the subset of *pgxpool.Pool the store needs
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is a cursor.Store backed by postgres
type Store struct {
	db     db
	pool   *pgxpool.Pool
	logger logger.Logger
}

// New creates the cursor table if needed. The store takes ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, errs.Storage("open_state", fmt.Errorf("failed to create cursor table: %w", err))
	}
	return &Store{db: pool, pool: pool, logger: log.WithField("component", "cursor.postgres")}, nil
}

func (s *Store) Load(ctx context.Context, channel string) (*cursor.Cursor, error) {
	var (
		c  = cursor.Cursor{Channel: channel}
		ts *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT last_message_id, last_message_ts, updated_at FROM raw.ingest_cursors WHERE channel = $1`, channel,
	).Scan(&c.LastMessageID, &ts, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WithChannel(errs.Storage("load_cursor", err), channel)
	}
	if ts != nil {
		c.LastMessageTimestamp = ts.UTC()
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) Commit(ctx context.Context, c cursor.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	var ts *time.Time
	if !c.LastMessageTimestamp.IsZero() {
		t := c.LastMessageTimestamp.UTC()
		ts = &t
	}

	tag, err := s.db.Exec(ctx, upsertSQL, c.Channel, c.LastMessageID, ts, c.UpdatedAt)
	if err != nil {
		return errs.WithChannel(errs.Storage("commit_cursor", err), c.Channel)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: channel %s rejected %d", cursor.ErrRegression, c.Channel, c.LastMessageID)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]cursor.Cursor, error) {
	rows, err := s.db.Query(ctx,
		`SELECT channel, last_message_id, last_message_ts, updated_at FROM raw.ingest_cursors ORDER BY channel`)
	if err != nil {
		return nil, errs.Storage("list_cursors", err)
	}
	defer rows.Close()

	var out []cursor.Cursor
	for rows.Next() {
		var (
			c  cursor.Cursor
			ts *time.Time
		)
		if err := rows.Scan(&c.Channel, &c.LastMessageID, &ts, &c.UpdatedAt); err != nil {
			return nil, errs.Storage("list_cursors", err)
		}
		if ts != nil {
			c.LastMessageTimestamp = ts.UTC()
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("list_cursors", err)
	}
	return out, nil
}

// Close releases the pool
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
