package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogThrottle records an upstream flood wait. Throttles are expected under load so they log at warn.
func LogThrottle(l Logger, channel string, retryAfter time.Duration) {
	l.WithFields(map[string]interface{}{
		"channel":     channel,
		"retry_after": retryAfter,
		"action":      "throttled",
	}).Warn("Upstream throttled, holding all requests")
}

// LogRetry records a transient failure that will be retried
func LogRetry(l Logger, op string, attempt int, delay time.Duration, err error) {
	l.WithError(err).WithFields(map[string]interface{}{
		"op":      op,
		"attempt": attempt,
		"delay":   delay,
	}).Warn("Transient failure, retrying")
}

// LogChannelResult logs the terminal state of one channel loop
func LogChannelResult(l Logger, channel string, status string, written, pages int, elapsed time.Duration, err error) {
	fields := map[string]interface{}{
		"channel":  channel,
		"status":   status,
		"written":  written,
		"pages":    pages,
		"duration": elapsed,
	}
	if err != nil {
		l.WithError(err).ErrorWithFields("Channel failed", fields)
		return
	}
	l.InfoWithFields("Channel done", fields)
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	l = l.WithField("component", component)
	if len(config) > 0 {
		l = l.WithFields(config)
	}
	l.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component string, reason string) {
	l.WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a logger that discards everything
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
