// Package metrics exposes ingestion progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tgingest/pkg/models"
)

const namespace = "tgingest"

// Metrics implements both ratelimit.Observer and ingest.Observer
type Metrics struct {
	registry *prometheus.Registry

	fetchDuration   *prometheus.HistogramVec
	fetchedMessages *prometheus.CounterVec
	written         *prometheus.CounterVec
	assets          *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	cursor          *prometheus.GaugeVec
	channelRuns     *prometheus.CounterVec
	channelDuration *prometheus.HistogramVec

	acquireWait prometheus.Histogram
	throttles   prometheus.Counter
	throttleSec prometheus.Counter
	retries     *prometheus.CounterVec

	runs        *prometheus.CounterVec
	lastRunTime prometheus.Gauge
}

// New builds the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream page fetches",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"channel"}),
		fetchedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_messages_total",
			Help:      "Messages returned by upstream, before dedup",
		}, []string{"channel"}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records newly written to the raw store",
		}, []string{"channel"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_written_total",
			Help:      "Images newly written to the raw store",
		}, []string{"channel"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Malformed or future-dated messages skipped",
		}, []string{"channel"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_message_id",
			Help:      "Last committed message id per channel",
		}, []string{"channel"}),
		channelRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_runs_total",
			Help:      "Finished channel loops by terminal state and error type",
		}, []string{"channel", "state", "error_type"}),
		channelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_duration_seconds",
			Help:      "Wall time of one channel loop",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"channel"}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for the shared request budget",
			Buckets:   []float64{0, .01, .1, .5, 1, 2, 5, 10, 30, 60},
		}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttles_total",
			Help:      "Throttle directives received from upstream",
		}),
		throttleSec: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_seconds_total",
			Help:      "Sum of retry-after durations requested by upstream",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Transient-error retries by operation",
		}, []string{"op"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by status",
		}, []string{"status"}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}

	m.registry.MustRegister(
		m.fetchDuration,
		m.fetchedMessages,
		m.written,
		m.assets,
		m.skipped,
		m.cursor,
		m.channelRuns,
		m.channelDuration,
		m.acquireWait,
		m.throttles,
		m.throttleSec,
		m.retries,
		m.runs,
		m.lastRunTime,
	)
	return m
}

// Registry returns the registry backing the /metrics handler
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	m.acquireWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveThrottle(d time.Duration) {
	m.throttles.Inc()
	m.throttleSec.Add(d.Seconds())
}

func (m *Metrics) ObserveRetry(op string) {
	if op == "" {
		op = "unknown"
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveFetch(channel string, d time.Duration, messages int) {
	m.fetchDuration.WithLabelValues(channel).Observe(d.Seconds())
	m.fetchedMessages.WithLabelValues(channel).Add(float64(messages))
}

func (m *Metrics) ObserveWritten(channel string, records, assets int) {
	m.written.WithLabelValues(channel).Add(float64(records))
	m.assets.WithLabelValues(channel).Add(float64(assets))
}

func (m *Metrics) ObserveSkipped(channel string, n int) {
	m.skipped.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) ObserveCursor(channel string, messageID int64) {
	m.cursor.WithLabelValues(channel).Set(float64(messageID))
}

func (m *Metrics) ObserveChannel(channel string, state models.State, errorType string, d time.Duration) {
	m.channelRuns.WithLabelValues(channel, string(state), errorType).Inc()
	m.channelDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(r *models.RunReport) {
	if r == nil {
		return
	}
	m.runs.WithLabelValues(r.Status).Inc()
	m.lastRunTime.Set(float64(r.FinishedAt.Unix()))
}
