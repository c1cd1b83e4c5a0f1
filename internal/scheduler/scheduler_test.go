package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgingest/pkg/config"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
)

func TestNewRequiresCron(t *testing.T) {
	_, err := New(config.ScheduleConfig{}, nil)
	assert.True(t, errs.Is(err, errs.ErrorTypeConfig))
}

func TestScheduleRejectsBadCron(t *testing.T) {
	s, err := New(config.ScheduleConfig{Cron: "every day please"}, nil)
	require.NoError(t, err)
	err = s.Schedule(context.Background(), func(context.Context) error { return nil })
	assert.True(t, errs.Is(err, errs.ErrorTypeConfig))
}

func TestNextRunIsDailyAtTwoUTC(t *testing.T) {
	s, err := New(config.ScheduleConfig{Cron: "0 2 * * *"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Schedule(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		next, err := s.NextRun()
		return err == nil && !next.IsZero()
	}, time.Second, 10*time.Millisecond)

	next, err := s.NextRun()
	require.NoError(t, err)
	next = next.UTC()
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, next.After(time.Now()))
	assert.True(t, next.Before(time.Now().Add(25*time.Hour)))

	cancel()
	require.NoError(t, <-done)
}

func TestRunOnStart(t *testing.T) {
	log := logger.NewTestLogger()
	s, err := New(config.ScheduleConfig{Cron: "0 2 * * *", RunOnStart: true}, log)
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, s.Schedule(context.Background(), func(context.Context) error {
		runs.Add(1)
		return errors.New("upstream down")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return log.HasMessage("Scheduled run failed") }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunWithoutJob(t *testing.T) {
	s, err := New(config.ScheduleConfig{Cron: "0 2 * * *"}, nil)
	require.NoError(t, err)
	assert.Error(t, s.Run(context.Background()))
}

func TestKV(t *testing.T) {
	f := kv([]any{"job", "ingest", "error", "x", "dangling"})
	assert.Equal(t, "ingest", f["job"])
	assert.Equal(t, "x", f["error"])
	assert.Equal(t, "dangling", f["extra"])
}
