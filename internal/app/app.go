// Package app builds the ingestion pipeline from configuration. Both the CLI
// and the Lambda entry point go through it.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gotd/td/telegram/auth"
	"github.com/redis/go-redis/v9"

	"tgingest/internal/downloader"
	"tgingest/internal/postgres"
	credentials "tgingest/pkg/auth"
	"tgingest/pkg/config"
	"tgingest/pkg/cursor"
	"tgingest/pkg/cursor/dynamo"
	pgcursor "tgingest/pkg/cursor/postgres"
	"tgingest/pkg/cursor/sqlite"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/events"
	"tgingest/pkg/ingest"
	"tgingest/pkg/lock"
	"tgingest/pkg/logger"
	"tgingest/pkg/metrics"
	"tgingest/pkg/models"
	"tgingest/pkg/ratelimit"
	"tgingest/pkg/report"
	"tgingest/pkg/storage"
	"tgingest/pkg/storage/pgsink"
	"tgingest/pkg/telegram"
)

// Source is an upstream that must be connected around a run
type Source interface {
	ingest.Source
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// App owns configuration, the logger and the long-lived metrics registry
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics

	credentials *credentials.Manager
	awsCfg      *aws.Config
}

// Option customizes an App
type Option func(*App)

// WithCredentials replaces the default keyring/file/env credential chain
func WithCredentials(m *credentials.Manager) Option {
	return func(a *App) { a.credentials = m }
}

// WithMetrics records into m instead of a fresh registry
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) { a.Metrics = m }
}

func New(cfg *config.Config, log logger.Logger, opts ...Option) *App {
	if log == nil {
		log = logger.NewNopLogger()
	}
	a := &App{Config: cfg, Logger: log}
	for _, o := range opts {
		o(a)
	}
	if a.Metrics == nil && cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}
	return a
}

// AWS loads the shared AWS configuration once
func (a *App) AWS(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if a.Config.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.Config.AWS.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errs.Wrap(errs.ErrorTypeConfig, "aws_config", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// SSMCredentials returns a credential store backed by Parameter Store
func (a *App) SSMCredentials(ctx context.Context) (*credentials.SSMStore, error) {
	cfg, err := a.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return credentials.NewSSMStore(ssm.NewFromConfig(cfg), a.Config.AWS.ParamPrefix)
}

// CredentialManager returns the configured credential chain
func (a *App) CredentialManager() (*credentials.Manager, error) {
	if a.credentials != nil {
		return a.credentials, nil
	}
	m, err := credentials.NewManager()
	if err != nil {
		return nil, err
	}
	a.credentials = m
	return m, nil
}

// Account resolves the Telegram API credentials: explicit config wins, then
// the credential chain under telegram.account
func (a *App) Account() (*credentials.Account, error) {
	tc := a.Config.Telegram
	if tc.APIID > 0 && tc.APIHash != "" {
		return &credentials.Account{Name: tc.Account, APIID: tc.APIID, APIHash: tc.APIHash}, nil
	}
	m, err := a.CredentialManager()
	if err != nil {
		return nil, err
	}
	acc, err := m.RetrieveDefault(tc.Account)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, "credentials",
			fmt.Errorf("%w: run `tgingest auth set` or export TELEGRAM_API_ID and TELEGRAM_API_HASH", err))
	}
	return acc, nil
}

// NewSource creates the Telegram source. Unattended sources need an already
// authorized session file; interactive ones prompt on the terminal for a login code.
func (a *App) NewSource(interactive bool) (*telegram.Source, error) {
	acc, err := a.Account()
	if err != nil {
		return nil, err
	}
	var login auth.UserAuthenticator
	if interactive {
		login = telegram.NewTerminalLogin(acc.Phone)
	}
	return telegram.New(telegram.Options{
		APIID:       acc.APIID,
		APIHash:     acc.APIHash,
		SessionFile: a.Config.Telegram.SessionFile,
		Login:       login,
	}, a.Logger)
}

// OpenCursorStore opens the configured resume cursor backend
func (a *App) OpenCursorStore(ctx context.Context) (cursor.Store, error) {
	st := a.Config.State
	switch st.Backend {
	case "", "file":
		return cursor.NewFileStore(st.File, a.Logger)
	case "sqlite":
		return sqlite.Open(st.SQLitePath, a.Logger)
	case "postgres":
		pool, err := postgres.Connect(ctx, a.Config.StatePostgresDSN(), a.Logger)
		if err != nil {
			return nil, errs.Storage("open_state", err)
		}
		return pgcursor.New(ctx, pool, a.Logger)
	case "dynamodb":
		cfg, err := a.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return dynamo.New(dynamodb.NewFromConfig(cfg), st.DynamoTable)
	default:
		return nil, errs.New(errs.ErrorTypeConfig, "open_state", "unknown state backend "+st.Backend)
	}
}

// OpenWriter opens the configured raw store
func (a *App) OpenWriter(ctx context.Context) (storage.Writer, error) {
	sc := a.Config.Storage
	if sc.Sink == storage.SinkPostgres {
		pool, err := postgres.Connect(ctx, sc.PostgresDSN, a.Logger)
		if err != nil {
			return nil, errs.Storage("open_sink", err)
		}
		return pgsink.New(ctx, pool, sc.DataDir, a.Logger)
	}
	return storage.NewManager(sc.DataDir, sc.Sink, a.Logger)
}

// runnerOptions wires the optional lock and event publisher
func (a *App) runnerOptions(ctx context.Context) ([]ingest.RunnerOption, func(), error) {
	var opts []ingest.RunnerOption
	var closers []func()

	if a.Config.Lock.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.Config.Lock.RedisAddr,
			Password: a.Config.Lock.RedisPassword,
			DB:       a.Config.Lock.RedisDB,
		})
		closers = append(closers, func() { rdb.Close() })
		opts = append(opts, ingest.WithLocker(lock.New(rdb, a.Config.Lock.Key, a.Config.Lock.TTL, a.Logger)))
	}

	if a.Config.Events.Enabled {
		pub, err := events.Dial(ctx, a.Config.Events.AMQPURL, a.Config.Events.Exchange, a.Logger)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		closers = append(closers, func() { pub.Close() })
		opts = append(opts, ingest.WithPublisher(pub))
	}

	return opts, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// Run performs one ingestion run over channels using src and writes the run report
func (a *App) Run(ctx context.Context, src Source, channels []string) (*models.RunReport, error) {
	cfg := a.Config

	cursors, err := a.OpenCursorStore(ctx)
	if err != nil {
		return nil, err
	}
	defer cursors.Close()

	writer, err := a.OpenWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	var ctrlOpts []ratelimit.Option
	var observer ingest.Observer
	if a.Metrics != nil {
		ctrlOpts = append(ctrlOpts, ratelimit.WithObserver(a.Metrics))
		observer = a.Metrics
	}
	ctrl, err := ratelimit.NewController(cfg.RateLimit, a.Logger, ctrlOpts...)
	if err != nil {
		return nil, err
	}

	deps := ingest.Deps{
		Source:   src,
		Gate:     ctrl,
		Writer:   writer,
		Cursors:  cursors,
		Observer: observer,
	}
	if cfg.Ingest.DownloadMedia {
		deps.Media = downloader.NewWorkerPool(cfg.Ingest.MediaWorkers, src, writer, ctrl, a.Logger)
	}

	runnerOpts, closeAll, err := a.runnerOptions(ctx)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	runner := ingest.NewRunner(deps, ingest.RunnerOptions{
		Concurrency: cfg.Ingest.Concurrency,
		Loop: ingest.LoopOptions{
			PageSize:     cfg.Ingest.PageSize,
			Backstop:     cfg.Backstop(),
			MaxClockSkew: cfg.Ingest.MaxClockSkew,
		},
	}, a.Logger, runnerOpts...)

	var rep *models.RunReport
	err = src.Run(ctx, func(ctx context.Context) error {
		var err error
		rep, err = runner.Run(ctx, channels)
		return err
	})
	if err != nil {
		return nil, err
	}

	if a.Metrics != nil {
		a.Metrics.ObserveRun(rep)
	}
	path, err := report.Save(cfg.ReportDir(), rep)
	if err != nil {
		a.Logger.WithError(err).Warn("Failed to write run report")
	} else {
		a.Logger.InfoWithFields("Run report written", map[string]interface{}{"path": filepath.Clean(path)})
	}
	return rep, nil
}
