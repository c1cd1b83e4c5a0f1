package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgingest/pkg/models"
)

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	r := &models.RunReport{
		RunID:     "run-1",
		StartedAt: time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC),
		Status:    models.RunPartial,
		Channels: []models.ChannelResult{
			{Channel: "pharma_news", State: models.StateDone, Count: 3, EndCursor: 103},
			{Channel: "private", State: models.StateFailed, ErrorType: "access", Cause: "CHANNEL_PRIVATE"},
		},
		Messages:       3,
		FetchLatencyMS: map[string]float64{"p50": 12.5},
	}

	path, err := Save(dir, r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.json"), path)

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, r.Status, got.Status)
	assert.Equal(t, r.Channels[1].ErrorType, got.Channels[1].ErrorType)
	assert.Equal(t, int64(103), got.Channels[0].EndCursor)
	assert.Equal(t, 12.5, got.FetchLatencyMS["p50"])
}

func TestSaveRequiresRunID(t *testing.T) {
	_, err := Save(t.TempDir(), &models.RunReport{})
	assert.Error(t, err)
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	r, err := Latest(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Nil(t, r)

	for i, id := range []string{"old", "new", "middle"} {
		start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		switch id {
		case "new":
			start = start.Add(48 * time.Hour)
		case "middle":
			start = start.Add(24 * time.Hour)
		}
		_, err := Save(dir, &models.RunReport{RunID: id, StartedAt: start, Messages: i})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("nope"), 0644))

	r, err = Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, "new", r.RunID)
}
