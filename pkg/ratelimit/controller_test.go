package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tgingest/pkg/config"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
)

// openLimiter never blocks
type openLimiter struct{}

func (openLimiter) Allow() bool                    { return true }
func (openLimiter) Wait(ctx context.Context) error { return ctx.Err() }
func (openLimiter) Reset()                         {}

// fakeClock advances only when something sleeps on it
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.t = f.t.Add(d)
	return nil
}

type countingObserver struct {
	mu        sync.Mutex
	throttles []time.Duration
	retries   int
}

func (o *countingObserver) ObserveAcquireWait(time.Duration) {}
func (o *countingObserver) ObserveThrottle(d time.Duration) {
	o.mu.Lock()
	o.throttles = append(o.throttles, d)
	o.mu.Unlock()
}
func (o *countingObserver) ObserveRetry(string) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func testRateConfig() config.RateLimitConfig {
	cfg := config.DefaultConfig().RateLimit
	cfg.Jitter = 0
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 4 * time.Second
	return cfg
}

func newTestController(t *testing.T, cfg config.RateLimitConfig, clock *fakeClock, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithLimiter(openLimiter{}), WithClock(clock.Now, clock.Sleep)}, opts...)
	c, err := NewController(cfg, logger.NewTestLogger(), opts...)
	require.NoError(t, err)
	return c
}

func TestThrottleDelaysNextRequest(t *testing.T) {
	clock := newFakeClock()
	obs := &countingObserver{}
	c := newTestController(t, testRateConfig(), clock, WithObserver(obs))

	var calls []time.Time
	err := c.Do(context.Background(), "fetch_page", func(ctx context.Context) error {
		calls = append(calls, clock.Now())
		if len(calls) == 1 {
			return errs.Throttle("fetch_page", 5*time.Second, nil)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 5*time.Second)
	assert.Equal(t, []time.Duration{5 * time.Second}, obs.throttles)
}

func TestThrottleDoesNotCountAsRetry(t *testing.T) {
	clock := newFakeClock()
	cfg := testRateConfig()
	cfg.MaxRetries = 0
	c := newTestController(t, cfg, clock)

	calls := 0
	err := c.Do(context.Background(), "fetch_page", func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return errs.Throttle("fetch_page", time.Second, nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestHoldIsNeverShortened(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(t, testRateConfig(), clock)
	start := clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.OnThrottled(ctx, 10*time.Second), context.Canceled)
	assert.ErrorIs(t, c.OnThrottled(ctx, 2*time.Second), context.Canceled)
	assert.Equal(t, start.Add(10*time.Second), c.HoldUntil())

	assert.ErrorIs(t, c.OnThrottled(ctx, 30*time.Second), context.Canceled)
	assert.Equal(t, start.Add(30*time.Second), c.HoldUntil())
}

func TestTransientRetriesAreBounded(t *testing.T) {
	clock := newFakeClock()
	obs := &countingObserver{}
	c := newTestController(t, testRateConfig(), clock, WithObserver(obs))

	calls := 0
	cause := errors.New("connection reset")
	err := c.Do(context.Background(), "fetch_page", func(ctx context.Context) error {
		calls++
		return errs.Transient("fetch_page", cause)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.True(t, errs.Is(err, errs.ErrorTypeTransient))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 2, obs.retries)

	// backoff sleeps stay within the configured ceiling
	for _, d := range clock.sleeps {
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestTransientRecovers(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(t, testRateConfig(), clock)

	calls := 0
	err := c.Do(context.Background(), "fetch_page", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errs.Transient("fetch_page", errors.New("timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestOnTransientErrorEscalates(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(t, testRateConfig(), clock)

	assert.NoError(t, c.OnTransientError(context.Background(), 1))
	assert.NoError(t, c.OnTransientError(context.Background(), 2))
	assert.ErrorIs(t, c.OnTransientError(context.Background(), 3), ErrRetriesExhausted)
}

func TestNonRetryableErrorsPassThrough(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(t, testRateConfig(), clock)

	storageErr := errs.Storage("write_batch", errors.New("disk full"))
	calls := 0
	err := c.Do(context.Background(), "write_batch", func(ctx context.Context) error {
		calls++
		return storageErr
	})

	assert.Equal(t, storageErr, err)
	assert.Equal(t, 1, calls)
}

func TestAcquireHonorsCancellation(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(t, testRateConfig(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := c.Do(ctx, "fetch_page", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestThrottleHoldIsSharedAcrossWorkers(t *testing.T) {
	cfg := testRateConfig()
	c, err := NewController(cfg, logger.NewNopLogger(), WithLimiter(openLimiter{}))
	require.NoError(t, err)

	throttled := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), "fetch_page:a", func(ctx context.Context) error {
			select {
			case <-throttled:
				return nil
			default:
				close(throttled)
				return errs.Throttle("fetch_page", 200*time.Millisecond, nil)
			}
		})
	}()

	<-throttled
	// give worker A a moment to register the hold
	require.Eventually(t, func() bool { return !c.HoldUntil().IsZero() }, time.Second, 5*time.Millisecond)

	hold := c.HoldUntil()
	require.NoError(t, c.Acquire(context.Background()))
	assert.False(t, time.Now().Before(hold), "worker B must not proceed before the shared hold ends")
}
