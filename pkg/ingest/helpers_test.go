package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tgingest/internal/downloader"
	"tgingest/pkg/config"
	"tgingest/pkg/cursor"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
	"tgingest/pkg/ratelimit"
	"tgingest/pkg/storage"
)

var baseDate = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fetchCall struct {
	channel string
	req     models.PageRequest
	at      time.Time
}

// fakeSource serves fixed channel histories, optionally failing first
type fakeSource struct {
	mu       sync.Mutex
	items    map[string][]models.PageItem
	failures map[string][]error
	failAll  map[string]error
	delay    time.Duration
	calls    []fetchCall
	media    map[int64][]byte
	mediaErr error
	fetched  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items:    make(map[string][]models.PageItem),
		failures: make(map[string][]error),
		failAll:  make(map[string]error),
		media:    make(map[int64][]byte),
	}
}

func msg(channel string, id int64) models.PageItem {
	text := fmt.Sprintf("post %d", id)
	return models.PageItem{Record: models.MessageRecord{
		Channel:    channel,
		MessageID:  id,
		Date:       baseDate.Add(time.Duration(id) * time.Minute),
		Text:       &text,
		IngestedAt: baseDate,
	}}
}

func photo(channel string, id int64) models.PageItem {
	item := msg(channel, id)
	ref := storage.AssetRelPath(channel, id)
	item.Record.HasMedia = true
	item.Record.MediaReference = &ref
	item.Record.Media = &models.MediaInfo{Kind: models.MediaPhoto}
	item.Media = &models.MediaRef{Channel: channel, MessageID: id, ID: id * 1000}
	return item
}

func (f *fakeSource) add(channel string, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.items[channel] = append(f.items[channel], msg(channel, id))
	}
}

func (f *fakeSource) addItems(channel string, items ...models.PageItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[channel] = append(f.items[channel], items...)
}

func (f *fakeSource) FetchPage(ctx context.Context, channel string, req models.PageRequest) (*models.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{channel: channel, req: req, at: time.Now()})
	var failure error
	if errsLeft := f.failures[channel]; len(errsLeft) > 0 {
		failure, f.failures[channel] = errsLeft[0], errsLeft[1:]
	} else if err := f.failAll[channel]; err != nil {
		failure = err
	}
	items := f.items[channel]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != nil {
		return nil, failure
	}

	page := &models.Page{}
	for _, it := range items {
		if it.Record.MessageID <= req.AfterID {
			continue
		}
		if req.AfterID == 0 && !req.NotBefore.IsZero() && it.Record.Date.Before(req.NotBefore) {
			continue
		}
		page.Items = append(page.Items, it)
		if len(page.Items) == req.Limit {
			break
		}
	}
	return page, nil
}

func (f *fakeSource) FetchMedia(ctx context.Context, ref models.MediaRef, w io.Writer) error {
	f.mu.Lock()
	f.fetched++
	data, err := f.media[ref.MessageID], f.mediaErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte(fmt.Sprintf("jpeg-%d", ref.MessageID))
	}
	_, werr := w.Write(data)
	return werr
}

func (f *fakeSource) callsFor(channel string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.channel == channel {
			out = append(out, c)
		}
	}
	return out
}

// failingWriter fails WriteBatch on the given call numbers (1-based)
type failingWriter struct {
	storage.Writer
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (w *failingWriter) WriteBatch(ctx context.Context, channel string, partition time.Time, records []models.MessageRecord) (int, error) {
	w.mu.Lock()
	w.calls++
	fail := w.failOn[w.calls]
	w.mu.Unlock()
	if fail {
		return 0, errs.Storage("write_batch", fmt.Errorf("disk full"))
	}
	return w.Writer.WriteBatch(ctx, channel, partition, records)
}

func testGate(t *testing.T) *ratelimit.Controller {
	t.Helper()
	cfg := config.RateLimitConfig{
		Algorithm:         "token_bucket",
		RequestsPerMinute: 60000,
		BurstSize:         1000,
		MaxRetries:        2,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	c, err := ratelimit.NewController(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	return c
}

type harness struct {
	source  *fakeSource
	gate    *ratelimit.Controller
	writer  *storage.Manager
	cursors *cursor.MemoryStore
	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	w, err := storage.NewManager(dir, storage.SinkJSON, logger.NewNopLogger())
	require.NoError(t, err)
	return &harness{
		source:  newFakeSource(),
		gate:    testGate(t),
		writer:  w,
		cursors: cursor.NewMemoryStore(),
		dataDir: dir,
	}
}

func (h *harness) deps() Deps {
	return Deps{Source: h.source, Gate: h.gate, Writer: h.writer, Cursors: h.cursors}
}

func (h *harness) withMedia(d Deps) Deps {
	d.Media = downloader.NewWorkerPool(2, h.source, h.writer, h.gate, logger.NewNopLogger())
	return d
}

func (h *harness) runLoop(ctx context.Context, channel string, pageSize int) models.ChannelResult {
	loop := NewChannelLoop(channel, h.deps(), LoopOptions{PageSize: pageSize, MaxClockSkew: time.Minute}, logger.NewTestLogger())
	return loop.Run(ctx)
}

func (h *harness) cursorOf(t *testing.T, channel string) int64 {
	t.Helper()
	c, err := h.cursors.Load(context.Background(), channel)
	require.NoError(t, err)
	if c == nil {
		return 0
	}
	return c.LastMessageID
}

func (h *harness) stored(t *testing.T, channel string) []int64 {
	t.Helper()
	recs, err := h.writer.ReadPartition(channel, time.Now())
	require.NoError(t, err)
	ids := make([]int64, len(recs))
	for i, r := range recs {
		ids[i] = r.MessageID
	}
	return ids
}
