// Package sqlite stores resume cursors in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"tgingest/pkg/cursor"
	"tgingest/pkg/cursor/sqlite/migrations"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"

	_ "modernc.org/sqlite"
)

// row stores times as unix milliseconds so the driver never has to guess a layout
type row struct {
	Channel       string `db:"channel"`
	LastMessageID int64  `db:"last_message_id"`
	LastMessageTS int64  `db:"last_message_ts"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r row) cursor() cursor.Cursor {
	c := cursor.Cursor{
		Channel:       r.Channel,
		LastMessageID: r.LastMessageID,
		UpdatedAt:     time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.LastMessageTS != 0 {
		c.LastMessageTimestamp = time.UnixMilli(r.LastMessageTS).UTC()
	}
	return c
}

// Store is a cursor.Store backed by SQLite
type Store struct {
	db     *sqlx.DB
	logger logger.Logger
}

// Open connects to the database at path and applies pending migrations
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, errs.Storage("open_state", fmt.Errorf("failed to connect to database: %w", err))
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := applyMigrations(db.DB); err != nil {
		db.Close()
		return nil, errs.Storage("open_state", err)
	}

	log.DebugWithFields("Cursor database ready", map[string]interface{}{"path": path})
	return &Store{db: db, logger: log.WithField("component", "cursor.sqlite")}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to create embed source driver: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, channel string) (*cursor.Cursor, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT channel, last_message_id, last_message_ts, updated_at FROM cursors WHERE channel = ?`, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WithChannel(errs.Storage("load_cursor", err), channel)
	}
	c := r.cursor()
	return &c, nil
}

const upsertSQL = `
INSERT INTO cursors (channel, last_message_id, last_message_ts, updated_at)
VALUES (:channel, :last_message_id, :last_message_ts, :updated_at)
ON CONFLICT(channel) DO UPDATE SET
    last_message_id = excluded.last_message_id,
    last_message_ts = excluded.last_message_ts,
    updated_at      = excluded.updated_at
WHERE excluded.last_message_id >= cursors.last_message_id`

// Commit upserts the cursor; the WHERE guard turns a regression into a no-op which is reported as ErrRegression
func (s *Store) Commit(ctx context.Context, c cursor.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	r := row{
		Channel:       c.Channel,
		LastMessageID: c.LastMessageID,
		UpdatedAt:     c.UpdatedAt.UnixMilli(),
	}
	if !c.LastMessageTimestamp.IsZero() {
		r.LastMessageTS = c.LastMessageTimestamp.UnixMilli()
	}

	res, err := s.db.NamedExecContext(ctx, upsertSQL, r)
	if err != nil {
		return errs.WithChannel(errs.Storage("commit_cursor", err), c.Channel)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.WithChannel(errs.Storage("commit_cursor", err), c.Channel)
	}
	if n == 0 {
		prev, lerr := s.Load(ctx, c.Channel)
		if lerr != nil {
			return lerr
		}
		if err := cursor.CheckMonotonic(prev, c); err != nil {
			return err
		}
		return fmt.Errorf("%w: channel %s", cursor.ErrRegression, c.Channel)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]cursor.Cursor, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT channel, last_message_id, last_message_ts, updated_at FROM cursors ORDER BY channel`); err != nil {
		return nil, errs.Storage("list_cursors", err)
	}
	out := make([]cursor.Cursor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.cursor())
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
