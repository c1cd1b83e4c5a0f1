package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"tgingest/pkg/models"
)

// codec reads and writes one partition file
type codec interface {
	ext() string
	encode(w io.Writer, records []models.MessageRecord) error
	decode(path string) ([]models.MessageRecord, error)
}

func codecFor(sink string) (codec, error) {
	switch sink {
	case SinkJSON, "":
		return jsonCodec{}, nil
	case SinkParquet:
		return parquetCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported file sink %q", sink)
	}
}

type jsonCodec struct{}

func (jsonCodec) ext() string { return ".json" }

func (jsonCodec) encode(w io.Writer, records []models.MessageRecord) error {
	if records == nil {
		records = []models.MessageRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(records)
}

func (jsonCodec) decode(path string) ([]models.MessageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var records []models.MessageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return records, nil
}

// messageRow is the flattened parquet layout of a MessageRecord
type messageRow struct {
	Channel        string   `parquet:"channel,zstd"`
	MessageID      int64    `parquet:"message_id"`
	DateMs         int64    `parquet:"date_ms"`
	Text           *string  `parquet:"text,zstd"`
	HasMedia       bool     `parquet:"has_media"`
	MediaReference *string  `parquet:"media_reference"`
	Views          *int64   `parquet:"views"`
	Forwards       *int64   `parquet:"forwards"`
	MediaKind      *string  `parquet:"media_kind"`
	MediaType      *string  `parquet:"media_type"`
	MediaMimeType  *string  `parquet:"media_mime_type"`
	MediaSize      *int64   `parquet:"media_size"`
	MediaDuration  *float64 `parquet:"media_duration"`
	IngestedAtMs   int64    `parquet:"ingested_at_ms"`
	Raw            []byte   `parquet:"raw,zstd"`
}

type parquetCodec struct{}

func (parquetCodec) ext() string { return ".parquet" }

func (parquetCodec) encode(w io.Writer, records []models.MessageRecord) error {
	rows := make([]messageRow, len(records))
	for i := range records {
		rows[i] = recordToRow(&records[i])
	}
	pw := parquet.NewGenericWriter[messageRow](w, parquet.Compression(&parquet.Zstd))
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (parquetCodec) decode(path string) ([]models.MessageRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[messageRow](f)
	defer reader.Close()

	rows := make([]messageRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	records := make([]models.MessageRecord, n)
	for i := 0; i < n; i++ {
		records[i] = rowToRecord(&rows[i])
	}
	return records, nil
}

func recordToRow(r *models.MessageRecord) messageRow {
	row := messageRow{
		Channel:        r.Channel,
		MessageID:      r.MessageID,
		DateMs:         r.Date.UnixMilli(),
		Text:           r.Text,
		HasMedia:       r.HasMedia,
		MediaReference: r.MediaReference,
		IngestedAtMs:   r.IngestedAt.UnixMilli(),
		Raw:            r.Raw,
	}
	if r.Views != nil {
		v := int64(*r.Views)
		row.Views = &v
	}
	if r.Forwards != nil {
		v := int64(*r.Forwards)
		row.Forwards = &v
	}
	if m := r.Media; m != nil {
		row.MediaKind = &m.Kind
		if m.Type != "" {
			row.MediaType = &m.Type
		}
		if m.MimeType != "" {
			row.MediaMimeType = &m.MimeType
		}
		if m.Size != 0 {
			row.MediaSize = &m.Size
		}
		row.MediaDuration = m.Duration
	}
	return row
}

func rowToRecord(row *messageRow) models.MessageRecord {
	r := models.MessageRecord{
		Channel:        row.Channel,
		MessageID:      row.MessageID,
		Date:           time.UnixMilli(row.DateMs).UTC(),
		Text:           row.Text,
		HasMedia:       row.HasMedia,
		MediaReference: row.MediaReference,
		IngestedAt:     time.UnixMilli(row.IngestedAtMs).UTC(),
	}
	if len(row.Raw) > 0 {
		r.Raw = row.Raw
	}
	if row.Views != nil {
		v := int(*row.Views)
		r.Views = &v
	}
	if row.Forwards != nil {
		v := int(*row.Forwards)
		r.Forwards = &v
	}
	if row.MediaKind != nil {
		m := &models.MediaInfo{Kind: *row.MediaKind, Duration: row.MediaDuration}
		if row.MediaType != nil {
			m.Type = *row.MediaType
		}
		if row.MediaMimeType != nil {
			m.MimeType = *row.MediaMimeType
		}
		if row.MediaSize != nil {
			m.Size = *row.MediaSize
		}
		r.Media = m
	}
	return r
}
