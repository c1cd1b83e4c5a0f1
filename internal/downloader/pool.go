package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
)

// Job is a single photo to fetch
type Job struct {
	Ref models.MediaRef
}

// Result is the outcome of one job. Data is nil when the job was skipped or failed.
type Result struct {
	Job      Job
	Data     []byte
	Skipped  bool
	Error    error
	Duration time.Duration
}

// MediaFetcher streams a photo payload
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref models.MediaRef, w io.Writer) error
}

// AssetIndex reports assets that are already stored
type AssetIndex interface {
	HasAsset(channel string, messageID int64) bool
}

// Gate runs an upstream call under the shared pacing policy
type Gate interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// WorkerPool fetches photo payloads with a fixed number of workers. Every
// fetch goes through the gate, so media downloads share the channel pacing.
type WorkerPool struct {
	numWorkers int
	client     MediaFetcher
	assets     AssetIndex
	gate       Gate
	logger     logger.Logger
}

// NewWorkerPool creates a media worker pool
func NewWorkerPool(numWorkers int, client MediaFetcher, assets AssetIndex, gate Gate, log logger.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		client:     client,
		assets:     assets,
		gate:       gate,
		logger:     log.WithField("component", "media_pool"),
	}
}

// Fetch runs all jobs and returns their results in job order. It returns
// early with the remaining results marked canceled once ctx is done.
func (wp *WorkerPool) Fetch(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	workers := wp.numWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	jobQueue := make(chan int, len(jobs))
	for i := range jobs {
		jobQueue <- i
	}
	close(jobQueue)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range jobQueue {
				if err := ctx.Err(); err != nil {
					results[i] = Result{Job: jobs[i], Error: err}
					continue
				}
				results[i] = wp.processJob(ctx, jobs[i], id)
			}
		}(w)
	}
	wg.Wait()
	return results
}

func (wp *WorkerPool) processJob(ctx context.Context, job Job, workerID int) (result Result) {
	start := time.Now()
	ref := job.Ref
	result = Result{Job: job}
	defer func() {
		if r := recover(); r != nil {
			wp.logger.ErrorWithFields("Photo download panicked", map[string]interface{}{
				"worker_id":  workerID,
				"channel":    ref.Channel,
				"message_id": ref.MessageID,
				"panic":      fmt.Sprint(r),
			})
			result = Result{
				Job:      job,
				Error:    errs.WithChannel(errs.New(errs.ErrorTypeUnknown, "fetch_media", fmt.Sprintf("panic: %v", r)), ref.Channel),
				Duration: time.Since(start),
			}
		}
	}()

	if wp.assets != nil && wp.assets.HasAsset(ref.Channel, ref.MessageID) {
		wp.logger.DebugWithFields("Photo already stored", map[string]interface{}{
			"worker_id":  workerID,
			"channel":    ref.Channel,
			"message_id": ref.MessageID,
		})
		result.Skipped = true
		result.Duration = time.Since(start)
		return result
	}

	var buf bytes.Buffer
	err := wp.gate.Do(ctx, "fetch_media", func(ctx context.Context) error {
		buf.Reset()
		return wp.client.FetchMedia(ctx, ref, &buf)
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		wp.logger.WarnWithFields("Photo download failed", map[string]interface{}{
			"worker_id":  workerID,
			"channel":    ref.Channel,
			"message_id": ref.MessageID,
			"error":      err.Error(),
			"duration":   result.Duration,
		})
		return result
	}

	result.Data = buf.Bytes()
	wp.logger.DebugWithFields("Photo downloaded", map[string]interface{}{
		"worker_id":  workerID,
		"channel":    ref.Channel,
		"message_id": ref.MessageID,
		"size":       len(result.Data),
		"duration":   result.Duration,
	})
	return result
}

// Workers returns the configured worker count
func (wp *WorkerPool) Workers() int {
	return wp.numWorkers
}
