// Package pgsink writes message records into the raw.telegram_messages table.
package pgsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
	"tgingest/pkg/storage"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS raw;

CREATE TABLE IF NOT EXISTS raw.telegram_messages (
    channel_username      TEXT        NOT NULL,
    message_id            BIGINT      NOT NULL,
    channel_title         TEXT        NULL,
    message_ts            TIMESTAMPTZ NULL,
    message_text          TEXT        NULL,
    views                 INTEGER     NULL,
    forwards              INTEGER     NULL,
    reply_count           INTEGER     NULL,
    has_media             BOOLEAN     NULL,
    has_image             BOOLEAN     NULL,
    media_type            TEXT        NULL,
    media_path            TEXT        NULL,
    partition_date        DATE        NULL,
    source_file           TEXT        NULL,
    ingested_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    payload               JSONB       NOT NULL,
    CONSTRAINT telegram_messages_pk PRIMARY KEY (channel_username, message_id)
);

CREATE INDEX IF NOT EXISTS idx_raw_telegram_messages_ts
    ON raw.telegram_messages (message_ts);
CREATE INDEX IF NOT EXISTS idx_raw_telegram_messages_partition_date
    ON raw.telegram_messages (partition_date);`

const insertSQL = `
INSERT INTO raw.telegram_messages (
    channel_username, message_id, message_ts, message_text, views, forwards,
    has_media, has_image, media_type, media_path, partition_date, ingested_at, payload
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (channel_username, message_id) DO NOTHING`

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Sink stores records in postgres and assets on the local file system
type Sink struct {
	db     db
	pool   *pgxpool.Pool
	assets *storage.Assets
	logger logger.Logger
}

// New creates the raw table if needed. The sink takes ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool, dataDir string, log logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, errs.Storage("open_storage", fmt.Errorf("failed to create raw table: %w", err))
	}
	assets, err := storage.NewAssets(dataDir)
	if err != nil {
		return nil, err
	}
	return &Sink{
		db:     pool,
		pool:   pool,
		assets: assets,
		logger: log.WithFields(map[string]interface{}{"component": "storage", "sink": storage.SinkPostgres}),
	}, nil
}

// WriteBatch inserts the records in one transaction; rows already present are left alone
func (s *Sink) WriteBatch(ctx context.Context, channel string, partition time.Time, records []models.MessageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errs.WithChannel(errs.Storage("write_batch", err), channel)
	}
	defer tx.Rollback(ctx)

	written := 0
	for i := range records {
		args, err := rowArgs(&records[i], partition)
		if err != nil {
			return 0, errs.WithChannel(errs.Storage("write_batch", err), channel)
		}
		tag, err := tx.Exec(ctx, insertSQL, args...)
		if err != nil {
			return 0, errs.WithChannel(errs.Storage("write_batch", fmt.Errorf("insert message %d: %w", records[i].MessageID, err)), channel)
		}
		written += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errs.WithChannel(errs.Storage("write_batch", err), channel)
	}

	s.logger.DebugWithFields("Batch written", map[string]interface{}{
		"channel": channel,
		"written": written,
	})
	return written, nil
}

// rowArgs maps a record onto the insert parameters. payload is the upstream raw
// message when present, else the record itself.
func rowArgs(r *models.MessageRecord, partition time.Time) ([]any, error) {
	payload := []byte(r.Raw)
	if len(payload) == 0 {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode payload for message %d: %w", r.MessageID, err)
		}
		payload = b
	}

	var mediaType *string
	if r.Media != nil {
		mediaType = &r.Media.Kind
	}
	hasImage := r.Media != nil && r.Media.Kind == models.MediaPhoto
	ingested := r.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now()
	}
	day, err := time.Parse("2006-01-02", storage.PartitionDate(partition))
	if err != nil {
		return nil, err
	}

	return []any{
		r.Channel,
		r.MessageID,
		r.Date.UTC(),
		r.Text,
		r.Views,
		r.Forwards,
		r.HasMedia,
		hasImage,
		mediaType,
		r.MediaReference,
		day,
		ingested.UTC(),
		payload,
	}, nil
}

func (s *Sink) WriteAsset(ctx context.Context, channel string, messageID int64, r io.Reader) (string, bool, error) {
	return s.assets.Write(ctx, channel, messageID, r)
}

func (s *Sink) HasAsset(channel string, messageID int64) bool {
	return s.assets.Exists(channel, messageID)
}

// Close releases the pool
func (s *Sink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
