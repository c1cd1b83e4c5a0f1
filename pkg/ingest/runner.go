package ingest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
)

// RunnerOptions tune a run
type RunnerOptions struct {
	// Concurrency bounds how many channels are ingested at once
	Concurrency int
	Loop        LoopOptions
}

// Runner drives every configured channel through its loop and isolates failures
type Runner struct {
	deps      Deps
	opts      RunnerOptions
	publisher Publisher
	locker    Locker
	logger    logger.Logger
	now       func() time.Time
}

// RunnerOption customizes a Runner
type RunnerOption func(*Runner)

// WithPublisher announces channel and run completion
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithLocker takes a lock for the duration of each run
func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

// NewRunner creates a runner
func NewRunner(deps Deps, opts RunnerOptions, log logger.Logger, options ...RunnerOption) *Runner {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	r := &Runner{
		deps:   deps,
		opts:   opts,
		logger: log.WithField("component", "runner"),
		now:    time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// fetchLatency wraps the observer to feed a per-run latency sketch
type fetchLatency struct {
	Observer
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

func (f *fetchLatency) ObserveFetch(channel string, d time.Duration, messages int) {
	f.mu.Lock()
	_ = f.sketch.Add(float64(d) / float64(time.Millisecond))
	f.mu.Unlock()
	f.Observer.ObserveFetch(channel, d, messages)
}

func (f *fetchLatency) quantiles() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sketch.GetCount() == 0 {
		return nil
	}
	out := make(map[string]float64, 3)
	for name, q := range map[string]float64{"p50": 0.50, "p95": 0.95, "p99": 0.99} {
		if v, err := f.sketch.GetValueAtQuantile(q); err == nil {
			out[name] = v
		}
	}
	return out
}

// Run ingests channels and reports the per-channel outcome. Channel failures
// only make the run partial; an error is returned only when the run could not start.
func (r *Runner) Run(ctx context.Context, channels []string) (*models.RunReport, error) {
	channels = dedupe(channels)
	if len(channels) == 0 {
		return nil, errs.New(errs.ErrorTypeConfig, "run", "no channels to ingest")
	}

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				r.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, err
	}
	latency := &fetchLatency{Observer: r.deps.Observer, sketch: sketch}
	deps := r.deps
	deps.Observer = latency

	report := &models.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
	}
	log := r.logger.WithField("run_id", report.RunID)
	logger.LogComponentStart(log, "run", map[string]interface{}{
		"channels":    len(channels),
		"concurrency": r.opts.Concurrency,
		"page_size":   r.opts.Loop.PageSize,
	})

	results := make([]models.ChannelResult, len(channels))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, ch := range channels {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					log.ErrorWithFields("Channel worker panicked", map[string]interface{}{
						"channel": ch,
						"panic":   fmt.Sprint(p),
						"stack":   string(debug.Stack()),
					})
					if results[i].State == "" {
						err := errs.WithChannel(errs.New(errs.ErrorTypeUnknown, "channel_loop", fmt.Sprintf("panic: %v", p)), ch)
						results[i] = models.ChannelResult{
							Channel:   ch,
							State:     models.StateFailed,
							ErrorType: string(errs.TypeOf(err)),
							Cause:     err.Error(),
							Err:       err,
						}
					}
				}
			}()
			loop := NewChannelLoop(ch, deps, r.opts.Loop, log)
			results[i] = loop.Run(ctx)
			if r.publisher != nil {
				if err := r.publisher.ChannelIngested(context.WithoutCancel(ctx), report.RunID, results[i]); err != nil {
					log.WithError(err).WarnWithFields("Failed to publish channel event", map[string]interface{}{"channel": ch})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Channels = results
	report.Status = models.RunSuccess
	for _, res := range results {
		report.Messages += res.Count
		report.Assets += res.Assets
		if res.State != models.StateDone {
			report.Status = models.RunPartial
		}
	}
	report.FetchLatencyMS = latency.quantiles()
	report.FinishedAt = r.now().UTC()

	if r.publisher != nil {
		if err := r.publisher.RunCompleted(context.WithoutCancel(ctx), report); err != nil {
			log.WithError(err).Warn("Failed to publish run event")
		}
	}

	log.InfoWithFields("Run finished", map[string]interface{}{
		"status":   report.Status,
		"channels": len(results),
		"failed":   len(report.Failed()),
		"messages": report.Messages,
		"assets":   report.Assets,
		"duration": report.FinishedAt.Sub(report.StartedAt),
	})
	return report, nil
}

func dedupe(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
