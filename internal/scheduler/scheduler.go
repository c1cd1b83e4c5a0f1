// Package scheduler runs ingestion on a cron schedule for watch mode.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"tgingest/pkg/config"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
)

const jobName = "ingest"

// Task is one scheduled ingestion run
type Task func(ctx context.Context) error

// Scheduler fires Task on a UTC cron expression. Runs never overlap: a tick
// that arrives while the previous run is still going is rescheduled.
type Scheduler struct {
	cfg    config.ScheduleConfig
	s      gocron.Scheduler
	job    gocron.Job
	logger logger.Logger
}

func New(cfg config.ScheduleConfig, log logger.Logger) (*Scheduler, error) {
	if cfg.Cron == "" {
		return nil, errs.New(errs.ErrorTypeConfig, "schedule", "empty cron expression")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.WithField("component", "scheduler")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{log}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{cfg: cfg, s: s, logger: log}, nil
}

// Schedule registers task. It must be called once before Run.
func (s *Scheduler) Schedule(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}

	wrapped := func() {
		start := time.Now()
		s.logger.Info("Scheduled run starting")
		if err := task(ctx); err != nil {
			s.logger.WithError(err).Error("Scheduled run failed")
		}
		fields := map[string]interface{}{"duration": time.Since(start).String()}
		if next, err := s.NextRun(); err == nil {
			fields["next_run"] = next.Format(time.RFC3339)
		}
		s.logger.InfoWithFields("Scheduled run finished", fields)
	}

	opts := []gocron.JobOption{
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if s.cfg.RunOnStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	job, err := s.s.NewJob(gocron.CronJob(s.cfg.Cron, false), gocron.NewTask(wrapped), opts...)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, "schedule", fmt.Errorf("cron %q: %w", s.cfg.Cron, err))
	}
	s.job = job
	return nil
}

// NextRun reports when the job fires next
func (s *Scheduler) NextRun() (time.Time, error) {
	if s.job == nil {
		return time.Time{}, errors.New("no job scheduled")
	}
	return s.job.NextRun()
}

// Run starts the scheduler and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.job == nil {
		return errors.New("no job scheduled")
	}
	s.s.Start()

	fields := map[string]interface{}{"cron": s.cfg.Cron, "location": "UTC"}
	if next, err := s.NextRun(); err == nil {
		fields["next_run"] = next.Format(time.RFC3339)
	}
	logger.LogComponentStart(s.logger, "scheduler", fields)

	<-ctx.Done()
	logger.LogComponentStop(s.logger, "scheduler", ctx.Err().Error())
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// gocronLogger routes gocron's key/value logs into our logger
type gocronLogger struct{ l logger.Logger }

func (g gocronLogger) Debug(msg string, args ...any) { g.l.DebugWithFields(msg, kv(args)) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.InfoWithFields(msg, kv(args)) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.WarnWithFields(msg, kv(args)) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.ErrorWithFields(msg, kv(args)) }

func kv(args []any) map[string]interface{} {
	fields := make(map[string]interface{}, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	if len(args)%2 == 1 {
		fields["extra"] = args[len(args)-1]
	}
	return fields
}
