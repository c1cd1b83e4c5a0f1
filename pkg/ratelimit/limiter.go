package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tgingest/pkg/config"
	"tgingest/pkg/retry"
)

// Limiter defines the interface for steady-state request pacing
type Limiter interface {
	// Allow takes a slot if one is free right now
	Allow() bool
	// Wait blocks until a slot is taken or ctx is done
	Wait(ctx context.Context) error
	Reset()
}

// NewLimiter builds the limiter selected by cfg.Algorithm
func NewLimiter(cfg config.RateLimitConfig) (Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests_per_minute must be positive, got %d", cfg.RequestsPerMinute)
	}
	switch cfg.Algorithm {
	case "", "token_bucket":
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = 1
		}
		return NewTokenBucket(burst, float64(cfg.RequestsPerMinute)/60.0), nil
	case "sliding_window":
		return NewSlidingWindow(cfg.RequestsPerMinute, time.Minute), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", cfg.Algorithm)
	}
}

// TokenBucket refills continuously at ratePerSec up to capacity
type TokenBucket struct {
	capacity   float64
	tokens     float64
	ratePerSec float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(capacity int, ratePerSec float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		ratePerSec: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	_, ok := tb.take(time.Now())
	return ok
}

func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		wait, ok := tb.take(time.Now())
		tb.mu.Unlock()
		if ok {
			return nil
		}
		if err := retry.Wait(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token, or reports how long until one is available. Caller holds mu.
func (tb *TokenBucket) take(now time.Time) (time.Duration, bool) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.ratePerSec
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return 0, true
	}
	missing := 1 - tb.tokens
	wait := time.Duration(missing / tb.ratePerSec * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// Reset resets the token bucket to full capacity
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = time.Now()
}

// SlidingWindow admits at most maxRequests within any windowSize interval
type SlidingWindow struct {
	windowSize  time.Duration
	maxRequests int
	requests    []time.Time
	mu          sync.Mutex
}

// NewSlidingWindow creates a new sliding window rate limiter
func NewSlidingWindow(maxRequests int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		requests:    make([]time.Time, 0, maxRequests),
	}
}

func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	_, ok := sw.take(time.Now())
	return ok
}

func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		sw.mu.Lock()
		wait, ok := sw.take(time.Now())
		sw.mu.Unlock()
		if ok {
			return nil
		}
		if err := retry.Wait(ctx, wait); err != nil {
			return err
		}
	}
}

// take records a request, or reports when the oldest one leaves the window. Caller holds mu.
func (sw *SlidingWindow) take(now time.Time) (time.Duration, bool) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(sw.requests, sw.requests[i:])
		sw.requests = sw.requests[:n]
	}

	if len(sw.requests) < sw.maxRequests {
		sw.requests = append(sw.requests, now)
		return 0, true
	}
	wait := sw.requests[0].Add(sw.windowSize).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// Reset clears all recorded requests
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.requests = sw.requests[:0]
}
