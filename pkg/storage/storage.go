package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"tgingest/pkg/models"
)

// Writer persists normalized records and their photo assets
type Writer interface {
	// WriteBatch stores records not yet present for the channel and returns how many were written
	WriteBatch(ctx context.Context, channel string, partition time.Time, records []models.MessageRecord) (int, error)
	// WriteAsset stores a payload once; written is false when a non-empty asset already existed
	WriteAsset(ctx context.Context, channel string, messageID int64, r io.Reader) (path string, written bool, err error)
	// HasAsset reports whether a non-empty asset is already stored
	HasAsset(channel string, messageID int64) bool
	Close() error
}

// Sinks selectable through storage.sink
const (
	SinkJSON     = "json"
	SinkParquet  = "parquet"
	SinkPostgres = "postgres"
)

const (
	messagesDir = "telegram_messages"
	imagesDir   = "images"
)

// PartitionDate formats the partition key of t
func PartitionDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SafeName maps a channel handle onto a file name component
func SafeName(channel string) string {
	var b strings.Builder
	for _, r := range channel {
		if r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// AssetRelPath is the media_reference recorded for a photo, relative to the data dir
func AssetRelPath(channel string, messageID int64) string {
	return path.Join(imagesDir, SafeName(channel), fmt.Sprintf("%d.jpg", messageID))
}
