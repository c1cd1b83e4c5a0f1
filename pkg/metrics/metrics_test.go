package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgingest/pkg/ingest"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
	"tgingest/pkg/ratelimit"
)

var (
	_ ratelimit.Observer = (*Metrics)(nil)
	_ ingest.Observer    = (*Metrics)(nil)
)

func TestChannelCounters(t *testing.T) {
	m := New()

	m.ObserveFetch("pharma_news", 120*time.Millisecond, 3)
	m.ObserveWritten("pharma_news", 3, 1)
	m.ObserveSkipped("pharma_news", 2)
	m.ObserveCursor("pharma_news", 103)
	m.ObserveChannel("pharma_news", models.StateDone, "", time.Second)
	m.ObserveChannel("broken", models.StateFailed, "storage", time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.fetchedMessages.WithLabelValues("pharma_news")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.written.WithLabelValues("pharma_news")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assets.WithLabelValues("pharma_news")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.skipped.WithLabelValues("pharma_news")))
	assert.Equal(t, 103.0, testutil.ToFloat64(m.cursor.WithLabelValues("pharma_news")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelRuns.WithLabelValues("broken", "FAILED", "storage")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fetchDuration))
}

func TestRateLimitCounters(t *testing.T) {
	m := New()

	m.ObserveThrottle(5 * time.Second)
	m.ObserveThrottle(3 * time.Second)
	m.ObserveRetry("fetch_page")
	m.ObserveRetry("")
	m.ObserveAcquireWait(10 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.throttles))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.throttleSec))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("fetch_page")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("unknown")))
}

func TestObserveRun(t *testing.T) {
	m := New()
	finished := time.Date(2024, 6, 1, 2, 5, 0, 0, time.UTC)
	m.ObserveRun(&models.RunReport{Status: models.RunPartial, FinishedAt: finished})
	m.ObserveRun(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("partial")))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(m.lastRunTime))
}

func TestRouter(t *testing.T) {
	m := New()
	m.ObserveThrottle(time.Second)
	srv := httptest.NewServer(Router(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "tgingest_throttles_total 1"))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := StartServer(ctx, logger.NewNopLogger(), "127.0.0.1:0", New())
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
