package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
)

var (
	day1 = time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	day2 = time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func record(channel string, id int64) models.MessageRecord {
	return models.MessageRecord{
		Channel:    channel,
		MessageID:  id,
		Date:       time.Date(2024, 5, 30, 10, 0, int(id%60), 0, time.UTC),
		Text:       strPtr("message " + strings.Repeat("x", int(id%3))),
		Views:      intPtr(int(id) * 10),
		IngestedAt: day1,
	}
}

func ids(records []models.MessageRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.MessageID
	}
	return out
}

func newTestManager(t *testing.T, dir, sink string) *Manager {
	t.Helper()
	m, err := NewManager(dir, sink, logger.NewTestLogger())
	require.NoError(t, err)
	return m
}

func TestNewManagerCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	newTestManager(t, dir, SinkJSON)

	for _, sub := range []string{messagesDir, imagesDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err := NewManager(dir, "csv", nil)
	assert.True(t, errs.Is(err, errs.ErrorTypeConfig))
}

func TestWriteBatchCreatesPartition(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)

	n, err := m.WriteBatch(context.Background(), "pharma_news", day1,
		[]models.MessageRecord{record("pharma_news", 101), record("pharma_news", 102), record("pharma_news", 103)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	path := filepath.Join(dir, "telegram_messages", "2024-06-01", "pharma_news.json")
	assert.Equal(t, path, m.PartitionPath("pharma_news", day1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored []models.MessageRecord
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, []int64{101, 102, 103}, ids(stored))
	assert.Equal(t, "pharma_news", stored[0].Channel)
	require.NotNil(t, stored[0].Views)
	assert.Equal(t, 1010, *stored[0].Views)
}

func TestWriteBatchIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)
	batch := []models.MessageRecord{record("a", 1), record("a", 2)}

	n, err := m.WriteBatch(context.Background(), "a", day1, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	before, err := os.ReadFile(m.PartitionPath("a", day1))
	require.NoError(t, err)

	n, err = m.WriteBatch(context.Background(), "a", day1, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	after, err := os.ReadFile(m.PartitionPath("a", day1))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWriteBatchSkipsIDsFromEarlierPartitions(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)

	_, err := m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{record("a", 1), record("a", 2)})
	require.NoError(t, err)

	n, err := m.WriteBatch(context.Background(), "a", day2, []models.MessageRecord{record("a", 2), record("a", 3)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := m.ReadPartition("a", day2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(stored))

	// a fresh process rebuilds the index from disk
	m2 := newTestManager(t, dir, SinkJSON)
	n, err = m2.WriteBatch(context.Background(), "a", day2, []models.MessageRecord{record("a", 1), record("a", 3)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteBatchMergesAscending(t *testing.T) {
	m := newTestManager(t, t.TempDir(), SinkJSON)

	_, err := m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{record("a", 5), record("a", 3)})
	require.NoError(t, err)
	n, err := m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{record("a", 4), record("a", 1), record("a", 4)})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "duplicate ids inside one batch are written once")

	stored, err := m.ReadPartition("a", day1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4, 5}, ids(stored))
}

func TestWriteBatchChannelsAreSeparate(t *testing.T) {
	m := newTestManager(t, t.TempDir(), SinkJSON)

	_, err := m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{record("a", 1)})
	require.NoError(t, err)
	n, err := m.WriteBatch(context.Background(), "b", day1, []models.MessageRecord{record("b", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteBatchFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)

	// a regular file where the partition directory should be
	blocker := filepath.Join(dir, messagesDir, PartitionDate(day1))
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	n, err := m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{record("a", 1), record("a", 2)})
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, errs.Is(err, errs.ErrorTypeStorage))

	require.NoError(t, os.Remove(blocker))
	n, err = m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{record("a", 1), record("a", 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a failed batch must not be remembered as written")
}

func TestWriteBatchCorruptPartitionIsStorageError(t *testing.T) {
	dir := t.TempDir()
	part := filepath.Join(dir, messagesDir, PartitionDate(day1))
	require.NoError(t, os.MkdirAll(part, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(part, "a.json"), []byte("{not json"), 0644))

	m := newTestManager(t, dir, SinkJSON)
	_, err := m.WriteBatch(context.Background(), "a", day2, []models.MessageRecord{record("a", 1)})
	assert.True(t, errs.Is(err, errs.ErrorTypeStorage))

	data, err := os.ReadFile(filepath.Join(part, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestWriteBatchCanceled(t *testing.T) {
	m := newTestManager(t, t.TempDir(), SinkJSON)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.WriteBatch(ctx, "a", day1, []models.MessageRecord{record("a", 1)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParquetSink(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkParquet)

	dur := 12.5
	withMedia := record("a", 2)
	withMedia.Text = nil
	withMedia.HasMedia = true
	withMedia.MediaReference = strPtr(AssetRelPath("a", 2))
	withMedia.Media = &models.MediaInfo{Kind: models.MediaVideo, MimeType: "video/mp4", Size: 2048, Duration: &dur}
	withMedia.Raw = json.RawMessage(`{"id":2}`)

	n, err := m.WriteBatch(context.Background(), "a", day1, []models.MessageRecord{withMedia, record("a", 1)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(dir, messagesDir, "2024-06-01", "a.parquet"))

	stored, err := m.ReadPartition("a", day1)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, []int64{1, 2}, ids(stored))

	got := stored[1]
	assert.Nil(t, got.Text)
	assert.True(t, got.HasMedia)
	assert.Equal(t, "images/a/2.jpg", *got.MediaReference)
	require.NotNil(t, got.Media)
	assert.Equal(t, models.MediaVideo, got.Media.Kind)
	assert.Equal(t, "video/mp4", got.Media.MimeType)
	assert.Equal(t, int64(2048), got.Media.Size)
	assert.Equal(t, 12.5, *got.Media.Duration)
	assert.JSONEq(t, `{"id":2}`, string(got.Raw))
	assert.True(t, withMedia.Date.Equal(got.Date))
	assert.Equal(t, 20, *got.Views)
	assert.Nil(t, got.Forwards)

	m2 := newTestManager(t, dir, SinkParquet)
	n, err = m2.WriteBatch(context.Background(), "a", day2, []models.MessageRecord{record("a", 1)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteAsset(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)
	payload := []byte("jpeg bytes")

	assert.False(t, m.HasAsset("a", 7))
	path, written, err := m.WriteAsset(context.Background(), "a", 7, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, filepath.Join(dir, "images", "a", "7.jpg"), path)
	assert.True(t, m.HasAsset("a", 7))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, content)

	path2, written, err := m.WriteAsset(context.Background(), "a", 7, bytes.NewReader([]byte("other")))
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, path, path2)
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, content, "an existing asset is never overwritten")

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAssetReplacesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)

	target := filepath.Join(dir, "images", "a", "8.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, nil, 0644))
	assert.False(t, m.HasAsset("a", 8))

	_, written, err := m.WriteAsset(context.Background(), "a", 8, strings.NewReader("data"))
	require.NoError(t, err)
	assert.True(t, written)
}

func TestWriteAssetEmptyPayload(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, SinkJSON)

	_, written, err := m.WriteAsset(context.Background(), "a", 9, bytes.NewReader(nil))
	assert.False(t, written)
	assert.True(t, errs.Is(err, errs.ErrorTypeData))
	assert.NoFileExists(t, filepath.Join(dir, "images", "a", "9.jpg"))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "pharma_news", SafeName("pharma_news"))
	assert.Equal(t, "a_b_c", SafeName("a/b.c"))
	assert.Equal(t, "_", SafeName(""))
	assert.Equal(t, "images/CheMed123/42.jpg", AssetRelPath("CheMed123", 42))
	assert.Equal(t, "2024-06-01", PartitionDate(time.Date(2024, 6, 2, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))))
}
