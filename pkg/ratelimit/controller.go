package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"tgingest/pkg/config"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/retry"
)

// Observer receives pacing events. pkg/metrics implements it.
type Observer interface {
	ObserveAcquireWait(d time.Duration)
	ObserveThrottle(d time.Duration)
	ObserveRetry(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveAcquireWait(time.Duration) {}
func (nopObserver) ObserveThrottle(time.Duration)    {}
func (nopObserver) ObserveRetry(string)              {}

// Controller is the single gate every upstream request passes through. One
// instance is shared by all channel loops of a run: the steady-state limiter,
// the throttle hold and the transient backoff policy are all global.
type Controller struct {
	limiter    Limiter
	backoff    retry.BackoffStrategy
	maxRetries int
	jitter     time.Duration
	log        logger.Logger
	observer   Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	holdUntil time.Time
}

// Option customizes a Controller
type Option func(*Controller)

// WithLimiter replaces the limiter built from config
func WithLimiter(l Limiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// WithObserver attaches a pacing event sink
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock replaces the wall clock and sleeper, for tests
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// NewController builds the shared pacing gate
func NewController(cfg config.RateLimitConfig, log logger.Logger, opts ...Option) (*Controller, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	c := &Controller{
		backoff: &retry.ExponentialBackoff{
			BaseDelay:    cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.BackoffMultiplier,
			JitterFactor: 0.1,
		},
		maxRetries: cfg.MaxRetries,
		jitter:     cfg.Jitter,
		log:        log.WithField("component", "ratelimit"),
		observer:   nopObserver{},
		now:        time.Now,
		sleep:      retry.Wait,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		l, err := NewLimiter(cfg)
		if err != nil {
			return nil, errs.Wrap(errs.ErrorTypeConfig, "new_controller", err)
		}
		c.limiter = l
	}
	return c, nil
}

// Acquire blocks until the next upstream request may be issued: a slot from the
// steady-state limiter, a random jitter, and the end of any throttle hold.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := c.now()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.jitter > 0 {
		if err := c.sleep(ctx, time.Duration(rand.Int64N(int64(c.jitter)))); err != nil {
			return err
		}
	}
	if err := c.waitHold(ctx); err != nil {
		return err
	}

	c.observer.ObserveAcquireWait(c.now().Sub(start))
	return nil
}

// waitHold sleeps until holdUntil, re-checking because another worker may extend it meanwhile
func (c *Controller) waitHold(ctx context.Context) error {
	for {
		c.mu.Lock()
		wait := c.holdUntil.Sub(c.now())
		c.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// OnThrottled extends the global hold to at least retryAfter from now and
// waits it out. A hold is never shortened by a later, smaller directive.
func (c *Controller) OnThrottled(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	c.mu.Lock()
	until := c.now().Add(retryAfter)
	if until.After(c.holdUntil) {
		c.holdUntil = until
	}
	c.mu.Unlock()

	c.observer.ObserveThrottle(retryAfter)
	return c.waitHold(ctx)
}

// HoldUntil reports the end of the current throttle hold
func (c *Controller) HoldUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdUntil
}

// ErrRetriesExhausted is returned by OnTransientError once the retry cap is passed
var ErrRetriesExhausted = errs.New(errs.ErrorTypeTransient, "backoff", "retries exhausted")

// OnTransientError sleeps the backoff for the given 1-based failure count. Once
// attempt exceeds the retry cap it returns ErrRetriesExhausted instead of sleeping.
func (c *Controller) OnTransientError(ctx context.Context, attempt int) error {
	d, err := c.backoffFor(attempt)
	if err != nil {
		return err
	}
	return c.sleep(ctx, d)
}

func (c *Controller) backoffFor(attempt int) (time.Duration, error) {
	if attempt > c.maxRetries {
		return 0, ErrRetriesExhausted
	}
	return c.backoff.NextDelay(attempt), nil
}

// Do runs op behind the gate. Throttle errors are waited out and retried
// without counting against the retry cap; transient errors are retried with
// backoff until the cap, then surface as a transient error. Anything else is
// returned unchanged.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	transient := 0
	for {
		if err := c.Acquire(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		switch errs.TypeOf(err) {
		case errs.ErrorTypeThrottle:
			d, _ := errs.RetryAfter(err)
			logger.LogThrottle(c.log.WithField("op", op), channelOf(err), d)
			if werr := c.OnThrottled(ctx, d); werr != nil {
				return werr
			}
		case errs.ErrorTypeTransient:
			transient++
			d, berr := c.backoffFor(transient)
			if berr != nil {
				return &errs.Error{
					Type:    errs.ErrorTypeTransient,
					Op:      op,
					Message: fmt.Sprintf("retries exhausted after %d attempts", transient),
					Err:     err,
				}
			}
			c.observer.ObserveRetry(op)
			logger.LogRetry(c.log, op, transient, d, err)
			if werr := c.sleep(ctx, d); werr != nil {
				return werr
			}
		default:
			return err
		}
	}
}

func channelOf(err error) string {
	var e *errs.Error
	if errs.As(err, &e) {
		return e.Channel
	}
	return ""
}
