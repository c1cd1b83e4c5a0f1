package ingest

import (
	"context"
	"io"
	"time"

	"tgingest/pkg/models"
)

// Source is the upstream message feed
type Source interface {
	// FetchPage returns messages strictly newer than req.AfterID, ascending by id
	FetchPage(ctx context.Context, channel string, req models.PageRequest) (*models.Page, error)
	FetchMedia(ctx context.Context, ref models.MediaRef, w io.Writer) error
}

// Gate runs an upstream call under the shared rate, throttle and backoff policy.
// *ratelimit.Controller implements it.
type Gate interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// Observer receives per-channel progress; pkg/metrics implements it
type Observer interface {
	ObserveFetch(channel string, d time.Duration, messages int)
	ObserveWritten(channel string, records, assets int)
	ObserveSkipped(channel string, n int)
	ObserveCursor(channel string, messageID int64)
	ObserveChannel(channel string, state models.State, errorType string, d time.Duration)
}

// Publisher announces finished channels and runs
type Publisher interface {
	ChannelIngested(ctx context.Context, runID string, res models.ChannelResult) error
	RunCompleted(ctx context.Context, report *models.RunReport) error
}

// Locker guards against overlapping runs
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(string, time.Duration, int)                    {}
func (nopObserver) ObserveWritten(string, int, int)                            {}
func (nopObserver) ObserveSkipped(string, int)                                 {}
func (nopObserver) ObserveCursor(string, int64)                                {}
func (nopObserver) ObserveChannel(string, models.State, string, time.Duration) {}
