package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tgingest/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{"info level", &config.LoggingConfig{Level: "info"}, false},
		{"debug without color", &config.LoggingConfig{Level: "debug", NoColor: true}, false},
		{"invalid level", &config.LoggingConfig{Level: "invalid"}, true},
		{"with file output", &config.LoggingConfig{Level: "info", File: filepath.Join(t.TempDir(), "logs", "tgingest.log")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"chatty", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, err := parseLogLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONOutputCarriesDefaultAndChildFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "debug")
	require.NoError(t, err)

	child := l.WithField("channel", "tikvahpharma")
	child.WithFields(map[string]interface{}{"written": 3, "elapsed": 2 * time.Second}).Info("Channel done")
	l.Info("no fields")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "tgingest", lines[0]["app"])
	assert.Equal(t, "tikvahpharma", lines[0]["channel"])
	assert.EqualValues(t, 3, lines[0]["written"])
	assert.Equal(t, "Channel done", lines[0]["message"])

	_, leaked := lines[1]["channel"]
	assert.False(t, leaked, "child fields must not leak into the parent")
}

func TestWithErrorAndStructured(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "debug")
	require.NoError(t, err)

	l.WithError(errors.New("disk full")).ErrorWithFields("write failed", map[string]interface{}{"op": "write_batch"})
	assert.Same(t, l, l.WithError(nil))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "disk full", lines[0]["error"])
	assert.Equal(t, "write_batch", lines[0]["op"])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestHelpersWithTestLogger(t *testing.T) {
	tl := NewTestLogger()

	LogThrottle(tl, "pharma_news", 30*time.Second)
	LogChannelResult(tl, "pharma_news", "DONE", 10, 2, time.Second, nil)
	LogChannelResult(tl, "broken", "FAILED", 0, 0, time.Second, errors.New("boom"))
	LogComponentStart(tl, "scheduler", map[string]interface{}{"cron": "0 2 * * *"})

	warns := tl.GetMessagesByLevel("WARN")
	require.Len(t, warns, 1)
	assert.Equal(t, 30*time.Second, warns[0].Fields["retry_after"])

	assert.True(t, tl.HasMessage("Channel done"))
	assert.True(t, tl.HasError())

	errs := tl.GetMessagesByLevel("ERROR")
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0].Error, "boom")
	assert.Equal(t, "broken", errs[0].Fields["channel"])

	tl.Clear()
	assert.Empty(t, tl.GetMessages())
}

func TestGlobalLogger(t *testing.T) {
	tl := NewTestLogger()
	SetLogger(tl)
	t.Cleanup(func() { SetLogger(NewNopLogger()) })

	WithField("k", "v").Info("global")
	assert.True(t, tl.HasMessage("global"))
	assert.Same(t, tl, GetLogger())
}
