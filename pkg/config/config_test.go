package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("Expected default requests per minute to be 30, got %d", config.RateLimit.RequestsPerMinute)
	}

	if config.Ingest.PageSize != 100 {
		t.Errorf("Expected default page size to be 100, got %d", config.Ingest.PageSize)
	}

	if config.State.File != filepath.Join("data", "raw", "scrape_state.json") {
		t.Errorf("Unexpected default state file %s", config.State.File)
	}

	if config.Schedule.Cron != "0 2 * * *" {
		t.Errorf("Expected daily 02:00 schedule, got %s", config.Schedule.Cron)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "legacy-hash")
	t.Setenv("TGINGEST_TELEGRAM_API_HASH", "prefixed-hash")
	t.Setenv("TGINGEST_RATE_LIMIT_REQUESTS_PER_MINUTE", "12")
	t.Setenv("TGINGEST_RATE_LIMIT_JITTER", "250ms")
	t.Setenv("TGINGEST_INGEST_PAGE_SIZE", "50")
	t.Setenv("TGINGEST_CHANNELS_LIST", "@alpha,https://t.me/beta")
	t.Setenv("TGINGEST_STORAGE_SINK", "parquet")
	t.Setenv("TGINGEST_LOGGING_LEVEL", "debug")

	config := DefaultConfig()
	require.NoError(t, config.LoadFromEnv())

	assert.Equal(t, 12345, config.Telegram.APIID)
	assert.Equal(t, "prefixed-hash", config.Telegram.APIHash, "prefixed variables take precedence")
	assert.Equal(t, 12, config.RateLimit.RequestsPerMinute)
	assert.Equal(t, 250*time.Millisecond, config.RateLimit.Jitter)
	assert.Equal(t, 50, config.Ingest.PageSize)
	assert.Equal(t, []string{"@alpha", "https://t.me/beta"}, config.Channels.List)
	assert.Equal(t, "parquet", config.Storage.Sink)
	assert.Equal(t, "debug", config.Logging.Level)

	// untouched values keep their defaults
	assert.Equal(t, 5, config.RateLimit.BurstSize)
}

func TestLoadFromEnvInvalidAPIID(t *testing.T) {
	t.Setenv("TELEGRAM_API_ID", "not-a-number")

	config := DefaultConfig()
	assert.Error(t, config.LoadFromEnv())
}

func TestLoadFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configContent := `
telegram:
  api_id: 42
  session_file: /var/lib/tgingest/session.json
rate_limit:
  requests_per_minute: 20
  max_delay: 2m
ingest:
  page_size: 25
  backstop_date: "2024-01-01"
state:
  backend: sqlite
  sqlite_path: /tmp/state.db
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	config := DefaultConfig()
	require.NoError(t, config.LoadFromFile(configPath))

	assert.Equal(t, 42, config.Telegram.APIID)
	assert.Equal(t, "/var/lib/tgingest/session.json", config.Telegram.SessionFile)
	assert.Equal(t, 20, config.RateLimit.RequestsPerMinute)
	assert.Equal(t, 2*time.Minute, config.RateLimit.MaxDelay)
	assert.Equal(t, 25, config.Ingest.PageSize)
	assert.Equal(t, "sqlite", config.State.Backend)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), config.Backstop())
	assert.NoError(t, config.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"page size above upstream limit", func(c *Config) { c.Ingest.PageSize = 500 }, true},
		{"zero page size", func(c *Config) { c.Ingest.PageSize = 0 }, true},
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, true},
		{"unknown limiter", func(c *Config) { c.RateLimit.Algorithm = "leaky" }, true},
		{"max delay below base delay", func(c *Config) { c.RateLimit.MaxDelay = time.Millisecond }, true},
		{"unknown sink", func(c *Config) { c.Storage.Sink = "csv" }, true},
		{"postgres sink without dsn", func(c *Config) { c.Storage.Sink = "postgres" }, true},
		{"postgres sink with dsn", func(c *Config) {
			c.Storage.Sink = "postgres"
			c.Storage.PostgresDSN = "postgres://localhost/raw"
		}, false},
		{"postgres state reuses sink dsn", func(c *Config) {
			c.State.Backend = "postgres"
			c.Storage.PostgresDSN = "postgres://localhost/raw"
		}, false},
		{"dynamodb state without table", func(c *Config) { c.State.Backend = "dynamodb" }, true},
		{"lock enabled without redis", func(c *Config) { c.Lock.Enabled = true }, true},
		{"events enabled without url", func(c *Config) { c.Events.Enabled = true }, true},
		{"bad backstop date", func(c *Config) { c.Ingest.BackstopDate = "01/02/2024" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMergeCommandLineFlags(t *testing.T) {
	config := DefaultConfig()
	config.MergeCommandLineFlags(map[string]interface{}{
		"channels":     []string{"pharma_news"},
		"page-size":    10,
		"concurrency":  4,
		"no-media":     true,
		"metrics-addr": ":9999",
		"log-level":    "warn",
	})

	assert.Equal(t, []string{"pharma_news"}, config.Channels.List)
	assert.True(t, config.Channels.SkipDefaults)
	assert.Equal(t, 10, config.Ingest.PageSize)
	assert.Equal(t, 4, config.Ingest.Concurrency)
	assert.False(t, config.Ingest.DownloadMedia)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, ":9999", config.Metrics.Addr)
	assert.Equal(t, "warn", config.Logging.Level)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("ingest:\n  page_size: 40\n  concurrency: 3\n"), 0644))

	t.Setenv("TGINGEST_INGEST_PAGE_SIZE", "60")

	config, err := Load(configPath, map[string]interface{}{"concurrency": 5})
	require.NoError(t, err)

	assert.Equal(t, 60, config.Ingest.PageSize, "environment overrides file")
	assert.Equal(t, 5, config.Ingest.Concurrency, "flags override file")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	config := DefaultConfig()
	config.Ingest.PageSize = 77
	require.NoError(t, config.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 77, loaded.Ingest.PageSize)
}
