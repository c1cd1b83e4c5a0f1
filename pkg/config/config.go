package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all environment overrides (TGINGEST_RATE_LIMIT_REQUESTS_PER_MINUTE, ...)
const EnvPrefix = "TGINGEST"

// BackstopLayout is the date format accepted for ingest.backstop_date
const BackstopLayout = "2006-01-02"

// Config holds all configuration options for the ingester
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram" json:"telegram" envconfig:"TELEGRAM"`
	Channels  ChannelsConfig  `yaml:"channels" json:"channels" envconfig:"CHANNELS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" envconfig:"RATE_LIMIT"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest" envconfig:"INGEST"`
	Storage   StorageConfig   `yaml:"storage" json:"storage" envconfig:"STORAGE"`
	State     StateConfig     `yaml:"state" json:"state" envconfig:"STATE"`
	Lock      LockConfig      `yaml:"lock" json:"lock" envconfig:"LOCK"`
	Events    EventsConfig    `yaml:"events" json:"events" envconfig:"EVENTS"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" envconfig:"METRICS"`
	Schedule  ScheduleConfig  `yaml:"schedule" json:"schedule" envconfig:"SCHEDULE"`
	AWS       AWSConfig       `yaml:"aws" json:"aws" envconfig:"AWS"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging" envconfig:"LOGGING"`
}

// TelegramConfig holds the MTProto application credentials and session location.
// Credentials are opaque here; they may also come from the credential store.
type TelegramConfig struct {
	APIID       int    `yaml:"api_id" json:"api_id" envconfig:"API_ID" validate:"gte=0"`
	APIHash     string `yaml:"api_hash" json:"-" envconfig:"API_HASH"`
	SessionFile string `yaml:"session_file" json:"session_file" envconfig:"SESSION_FILE" validate:"required"`
	Account     string `yaml:"account" json:"account" envconfig:"ACCOUNT"`
}

// ChannelsConfig lists the channels to ingest
type ChannelsConfig struct {
	List         []string `yaml:"list" json:"list" envconfig:"LIST"`
	File         string   `yaml:"file" json:"file" envconfig:"FILE"`
	SkipDefaults bool     `yaml:"skip_defaults" json:"skip_defaults" envconfig:"SKIP_DEFAULTS"`
}

// RateLimitConfig holds the shared request budget and backoff policy
type RateLimitConfig struct {
	Algorithm         string        `yaml:"algorithm" json:"algorithm" envconfig:"ALGORITHM" validate:"oneof=token_bucket sliding_window"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE" validate:"gt=0"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size" envconfig:"BURST_SIZE" validate:"gt=0"`
	Jitter            time.Duration `yaml:"jitter" json:"jitter" envconfig:"JITTER" validate:"gte=0"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" envconfig:"MAX_RETRIES" validate:"gte=0"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay" envconfig:"BASE_DELAY" validate:"gt=0"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay" envconfig:"MAX_DELAY" validate:"gtefield=BaseDelay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" envconfig:"BACKOFF_MULTIPLIER" validate:"gte=1"`
}

// IngestConfig holds per-run ingestion settings
type IngestConfig struct {
	PageSize      int           `yaml:"page_size" json:"page_size" envconfig:"PAGE_SIZE" validate:"gt=0,lte=100"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency" envconfig:"CONCURRENCY" validate:"gt=0,lte=16"`
	BackstopDate  string        `yaml:"backstop_date" json:"backstop_date" envconfig:"BACKSTOP_DATE"`
	DownloadMedia bool          `yaml:"download_media" json:"download_media" envconfig:"DOWNLOAD_MEDIA"`
	MediaWorkers  int           `yaml:"media_workers" json:"media_workers" envconfig:"MEDIA_WORKERS" validate:"gt=0,lte=10"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew" json:"max_clock_skew" envconfig:"MAX_CLOCK_SKEW" validate:"gte=0"`
}

// StorageConfig selects the raw store
type StorageConfig struct {
	DataDir     string `yaml:"data_dir" json:"data_dir" envconfig:"DATA_DIR" validate:"required"`
	Sink        string `yaml:"sink" json:"sink" envconfig:"SINK" validate:"oneof=json parquet postgres"`
	PostgresDSN string `yaml:"postgres_dsn" json:"-" envconfig:"POSTGRES_DSN" validate:"required_if=Sink postgres"`
	ReportDir   string `yaml:"report_dir" json:"report_dir" envconfig:"REPORT_DIR"`
}

// StateConfig selects the resume cursor store
type StateConfig struct {
	Backend     string `yaml:"backend" json:"backend" envconfig:"BACKEND" validate:"oneof=file sqlite postgres dynamodb"`
	File        string `yaml:"file" json:"file" envconfig:"FILE"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path" envconfig:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" json:"-" envconfig:"POSTGRES_DSN"`
	DynamoTable string `yaml:"dynamo_table" json:"dynamo_table" envconfig:"DYNAMO_TABLE"`
}

// LockConfig configures the redis run lock
type LockConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr" envconfig:"REDIS_ADDR" validate:"required_if=Enabled true"`
	RedisPassword string        `yaml:"redis_password" json:"-" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db" envconfig:"REDIS_DB" validate:"gte=0"`
	Key           string        `yaml:"key" json:"key" envconfig:"KEY"`
	TTL           time.Duration `yaml:"ttl" json:"ttl" envconfig:"TTL" validate:"gte=0"`
}

// EventsConfig configures run event publishing over AMQP
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	AMQPURL  string `yaml:"amqp_url" json:"-" envconfig:"AMQP_URL" validate:"required_if=Enabled true"`
	Exchange string `yaml:"exchange" json:"exchange" envconfig:"EXCHANGE"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Addr    string `yaml:"addr" json:"addr" envconfig:"ADDR"`
}

// ScheduleConfig configures watch mode
type ScheduleConfig struct {
	Cron       string `yaml:"cron" json:"cron" envconfig:"CRON" validate:"required"`
	RunOnStart bool   `yaml:"run_on_start" json:"run_on_start" envconfig:"RUN_ON_START"`
}

// AWSConfig holds settings shared by the AWS-backed components
type AWSConfig struct {
	Region      string `yaml:"region" json:"region" envconfig:"REGION"`
	ParamPrefix string `yaml:"param_prefix" json:"param_prefix" envconfig:"PARAM_PREFIX"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	File    string `yaml:"file" json:"file" envconfig:"FILE"`
	NoColor bool   `yaml:"no_color" json:"no_color" envconfig:"NO_COLOR"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			SessionFile: "telegram.session.json",
			Account:     "default",
		},
		Channels: ChannelsConfig{
			File: "channels.txt",
		},
		RateLimit: RateLimitConfig{
			Algorithm:         "token_bucket",
			RequestsPerMinute: 30,
			BurstSize:         5,
			Jitter:            500 * time.Millisecond,
			MaxRetries:        5,
			BaseDelay:         time.Second,
			MaxDelay:          time.Minute,
			BackoffMultiplier: 2.0,
		},
		Ingest: IngestConfig{
			PageSize:      100,
			Concurrency:   2,
			DownloadMedia: true,
			MediaWorkers:  3,
			MaxClockSkew:  5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join("data", "raw"),
			Sink:    "json",
		},
		State: StateConfig{
			Backend:    "file",
			File:       filepath.Join("data", "raw", "scrape_state.json"),
			SQLitePath: filepath.Join("data", "raw", "state.db"),
		},
		Lock: LockConfig{
			Key: "tgingest:run-lock",
			TTL: 6 * time.Hour,
		},
		Events: EventsConfig{
			Exchange: "tgingest",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Schedule: ScheduleConfig{
			Cron: "0 2 * * *",
		},
		AWS: AWSConfig{
			ParamPrefix: "/tgingest/",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join("logs", "tgingest.log"),
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// The plain TELEGRAM_* names used by earlier deployments are honored first so
// that TGINGEST_* overrides win when both are set.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("TELEGRAM_API_ID"); v != "" {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_API_ID: %w", err)
		}
		c.Telegram.APIID = id
	}
	if v := os.Getenv("TELEGRAM_API_HASH"); v != "" {
		c.Telegram.APIHash = v
	}
	if v := os.Getenv("TELEGRAM_SESSION_NAME"); v != "" {
		c.Telegram.SessionFile = v + ".session.json"
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".tgingest.yaml",
		".tgingest.yml",
		filepath.Join(home, ".config", "tgingest", "config.yaml"),
		filepath.Join(home, ".config", "tgingest", "config.yml"),
		filepath.Join(home, ".tgingest.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if c.Ingest.BackstopDate != "" {
		if _, err := time.Parse(BackstopLayout, c.Ingest.BackstopDate); err != nil {
			errs = append(errs, fmt.Errorf("ingest.backstop_date must be YYYY-MM-DD: %w", err))
		}
	}

	switch c.State.Backend {
	case "file":
		if c.State.File == "" {
			errs = append(errs, errors.New("state.file is required for the file backend"))
		}
	case "sqlite":
		if c.State.SQLitePath == "" {
			errs = append(errs, errors.New("state.sqlite_path is required for the sqlite backend"))
		}
	case "postgres":
		if c.State.PostgresDSN == "" && c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("state.postgres_dsn is required for the postgres backend"))
		}
	case "dynamodb":
		if c.State.DynamoTable == "" {
			errs = append(errs, errors.New("state.dynamo_table is required for the dynamodb backend"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Backstop returns the configured backstop date, or the zero time when unset
func (c *Config) Backstop() time.Time {
	if c.Ingest.BackstopDate == "" {
		return time.Time{}
	}
	t, err := time.Parse(BackstopLayout, c.Ingest.BackstopDate)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ReportDir returns where run reports are written
func (c *Config) ReportDir() string {
	if c.Storage.ReportDir != "" {
		return c.Storage.ReportDir
	}
	return filepath.Join(c.Storage.DataDir, "runs")
}

// StatePostgresDSN falls back to the sink DSN so one database can hold both
func (c *Config) StatePostgresDSN() string {
	if c.State.PostgresDSN != "" {
		return c.State.PostgresDSN
	}
	return c.Storage.PostgresDSN
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if channels, ok := flags["channels"].([]string); ok && len(channels) > 0 {
		c.Channels.List = channels
		c.Channels.SkipDefaults = true
	}
	if file, ok := flags["channels-file"].(string); ok && file != "" {
		c.Channels.File = file
	}
	if dataDir, ok := flags["data-dir"].(string); ok && dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	if sink, ok := flags["sink"].(string); ok && sink != "" {
		c.Storage.Sink = sink
	}
	if backend, ok := flags["state-backend"].(string); ok && backend != "" {
		c.State.Backend = backend
	}
	if pageSize, ok := flags["page-size"].(int); ok && pageSize > 0 {
		c.Ingest.PageSize = pageSize
	}
	if concurrency, ok := flags["concurrency"].(int); ok && concurrency > 0 {
		c.Ingest.Concurrency = concurrency
	}
	if rpm, ok := flags["requests-per-minute"].(int); ok && rpm > 0 {
		c.RateLimit.RequestsPerMinute = rpm
	}
	if backstop, ok := flags["backstop-date"].(string); ok && backstop != "" {
		c.Ingest.BackstopDate = backstop
	}
	if noMedia, ok := flags["no-media"].(bool); ok && noMedia {
		c.Ingest.DownloadMedia = false
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile, ok := flags["log-file"].(string); ok {
		c.Logging.File = logFile
	}
	if cron, ok := flags["cron"].(string); ok && cron != "" {
		c.Schedule.Cron = cron
	}
	if metricsAddr, ok := flags["metrics-addr"].(string); ok && metricsAddr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = metricsAddr
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence order: flags > environment (.env included) > config file > defaults.
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".tgingest.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
