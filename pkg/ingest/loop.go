package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"tgingest/internal/downloader"
	"tgingest/pkg/cursor"
	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
	"tgingest/pkg/storage"
)

// LoopOptions tune one channel loop
type LoopOptions struct {
	PageSize int
	// Backstop bounds the first fetch of a channel that has no cursor yet
	Backstop time.Time
	// MaxClockSkew is how far in the future a message date may lie before the record is rejected
	MaxClockSkew time.Duration
}

// ChannelLoop ingests one channel: INIT, then FETCHING, FLUSHING and ADVANCING
// per page until a short page (DONE) or an unrecoverable error (FAILED)
type ChannelLoop struct {
	channel  string
	source   Source
	gate     Gate
	writer   storage.Writer
	cursors  cursor.Store
	media    *downloader.WorkerPool
	opts     LoopOptions
	observer Observer
	logger   logger.Logger
	now      func() time.Time

	state models.State
}

// Deps are the collaborators shared by every channel loop of a run
type Deps struct {
	Source  Source
	Gate    Gate
	Writer  storage.Writer
	Cursors cursor.Store
	// Media fetches photo payloads; nil disables asset downloads
	Media    *downloader.WorkerPool
	Observer Observer
}

// NewChannelLoop creates the loop for one channel
func NewChannelLoop(channel string, deps Deps, opts LoopOptions, log logger.Logger) *ChannelLoop {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &ChannelLoop{
		channel:  channel,
		source:   deps.Source,
		gate:     deps.Gate,
		writer:   deps.Writer,
		cursors:  deps.Cursors,
		media:    deps.Media,
		opts:     opts,
		observer: deps.Observer,
		logger:   log.WithField("channel", channel),
		now:      time.Now,
		state:    models.StateInit,
	}
}

// State returns the current state
func (l *ChannelLoop) State() models.State {
	return l.state
}

// pending is one prepared page
type pending struct {
	records []models.MessageRecord
	media   []downloader.Job
	skipped int
	maxID   int64
	maxDate time.Time
}

func (l *ChannelLoop) transition(to models.State) {
	l.logger.DebugWithFields("State change", map[string]interface{}{
		"from": string(l.state),
		"to":   string(to),
	})
	l.state = to
}

// Run drives the channel to DONE or FAILED. A panic on the channel's path
// ends the channel FAILED with an unknown error instead of unwinding further.
func (l *ChannelLoop) Run(ctx context.Context) (out models.ChannelResult) {
	start := l.now()
	res := models.ChannelResult{Channel: l.channel}
	l.state = models.StateInit

	finish := func(err error) models.ChannelResult {
		res.Duration = l.now().Sub(start)
		if err != nil {
			if errors.Is(err, cursor.ErrRegression) {
				err = errs.WithChannel(errs.Storage("commit_cursor", err), l.channel)
			}
			l.transition(models.StateFailed)
			res.Err = err
			res.ErrorType = string(errs.TypeOf(err))
			res.Cause = err.Error()
		} else {
			l.transition(models.StateDone)
		}
		res.State = l.state
		l.observer.ObserveChannel(l.channel, res.State, res.ErrorType, res.Duration)
		logger.LogChannelResult(l.logger, l.channel, string(res.State), res.Count, res.Pages, res.Duration, err)
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorWithFields("Channel loop panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			out = finish(errs.WithChannel(errs.New(errs.ErrorTypeUnknown, "channel_loop", fmt.Sprintf("panic: %v", r)), l.channel))
		}
	}()

	cur, err := l.cursors.Load(ctx, l.channel)
	if err != nil {
		return finish(err)
	}
	var after int64
	if cur != nil {
		after = cur.LastMessageID
	}
	res.StartCursor, res.EndCursor = after, after

	for {
		l.transition(models.StateFetching)
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		page, err := l.fetch(ctx, after)
		if err != nil {
			return finish(err)
		}
		res.Pages++
		if page.Len() == 0 {
			return finish(nil)
		}

		p := l.prepare(page, after)
		res.Skipped += p.skipped
		if p.skipped > 0 {
			l.observer.ObserveSkipped(l.channel, p.skipped)
		}
		payloads, dropped, err := l.fetchMedia(ctx, p.media)
		if err != nil {
			return finish(err)
		}

		l.transition(models.StateFlushing)
		written, assets, err := l.flush(ctx, p, payloads, dropped)
		res.Count += written
		res.Assets += assets
		if err != nil {
			return finish(err)
		}
		l.observer.ObserveWritten(l.channel, written, assets)

		l.transition(models.StateAdvancing)
		if p.maxID <= after {
			return finish(nil)
		}
		if err := l.advance(ctx, p); err != nil {
			return finish(err)
		}
		after = p.maxID
		res.EndCursor = after

		if page.Len() < l.opts.PageSize {
			return finish(nil)
		}
	}
}

func (l *ChannelLoop) fetch(ctx context.Context, after int64) (*models.Page, error) {
	req := models.PageRequest{AfterID: after, Limit: l.opts.PageSize}
	if after == 0 {
		req.NotBefore = l.opts.Backstop
	}

	var page *models.Page
	start := l.now()
	err := l.gate.Do(ctx, "fetch_page", func(ctx context.Context) error {
		p, err := l.source.FetchPage(ctx, l.channel, req)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, errs.WithChannel(err, l.channel)
	}
	l.observer.ObserveFetch(l.channel, l.now().Sub(start), page.Len())

	l.logger.DebugWithFields("Page fetched", map[string]interface{}{
		"after_id": after,
		"messages": page.Len(),
	})
	return page, nil
}

// prepare drops malformed and duplicate messages and orders the rest by id.
// maxID covers every message id above the cursor, malformed ones included;
// maxDate is the date of that same message and stays zero when it was dropped.
func (l *ChannelLoop) prepare(page *models.Page, after int64) pending {
	var p pending
	latest := l.now().Add(l.opts.MaxClockSkew)
	seen := make(map[int64]struct{}, page.Len())

	for _, item := range page.Items {
		id := item.Record.MessageID
		if id > p.maxID {
			p.maxID = id
		}
		if id <= after && id != 0 {
			continue
		}

		err := item.Err
		if err == nil && item.Record.Date.After(latest) {
			err = errs.Data("normalize", fmt.Sprintf("message %d dated %s is in the future", id, item.Record.Date.Format(time.RFC3339)))
		}
		if err != nil {
			p.skipped++
			l.logger.WithError(err).WarnWithFields("Skipping malformed message", map[string]interface{}{
				"message_id": id,
			})
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p.records = append(p.records, item.Record)
		if item.Media != nil {
			p.media = append(p.media, downloader.Job{Ref: *item.Media})
		}
	}

	sort.SliceStable(p.records, func(i, j int) bool { return p.records[i].MessageID < p.records[j].MessageID })
	if n := len(p.records); n > 0 && p.records[n-1].MessageID == p.maxID {
		p.maxDate = p.records[n-1].Date
	}
	return p
}

// fetchMedia downloads photo payloads keyed by message id. An unusable payload
// is skipped and reported in dropped; any other failure fails the page.
func (l *ChannelLoop) fetchMedia(ctx context.Context, jobs []downloader.Job) (map[int64][]byte, map[int64]struct{}, error) {
	if l.media == nil || len(jobs) == 0 {
		return nil, nil, nil
	}

	payloads := make(map[int64][]byte, len(jobs))
	dropped := make(map[int64]struct{})
	for _, r := range l.media.Fetch(ctx, jobs) {
		id := r.Job.Ref.MessageID
		switch {
		case r.Error == nil && r.Skipped:
		case r.Error == nil:
			payloads[id] = r.Data
		case errs.Is(r.Error, errs.ErrorTypeData):
			l.logger.WithError(r.Error).WarnWithFields("Skipping unusable photo", map[string]interface{}{
				"message_id": id,
			})
			dropped[id] = struct{}{}
		default:
			return nil, nil, errs.WithChannel(r.Error, l.channel)
		}
	}
	return payloads, dropped, nil
}

// flush stores the page's photos, then its records. Records whose photo was
// dropped lose their media reference so it never points at a missing file.
func (l *ChannelLoop) flush(ctx context.Context, p pending, payloads map[int64][]byte, dropped map[int64]struct{}) (int, int, error) {
	ids := make([]int64, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	assets := 0
	for _, id := range ids {
		_, stored, err := l.writer.WriteAsset(ctx, l.channel, id, bytes.NewReader(payloads[id]))
		if err != nil {
			if errs.Is(err, errs.ErrorTypeData) {
				l.logger.WithError(err).WarnWithFields("Skipping empty photo", map[string]interface{}{
					"message_id": id,
				})
				if dropped == nil {
					dropped = make(map[int64]struct{})
				}
				dropped[id] = struct{}{}
				continue
			}
			return 0, assets, errs.WithChannel(err, l.channel)
		}
		if stored {
			assets++
		}
	}

	for i := range p.records {
		if _, ok := dropped[p.records[i].MessageID]; ok {
			p.records[i].MediaReference = nil
		}
	}

	written, err := l.writer.WriteBatch(ctx, l.channel, l.now(), p.records)
	if err != nil {
		return 0, assets, errs.WithChannel(err, l.channel)
	}
	return written, assets, nil
}

// advance commits the cursor. The batch is already durable, so the commit
// runs even when ctx was canceled meanwhile.
func (l *ChannelLoop) advance(ctx context.Context, p pending) error {
	c := cursor.Cursor{
		Channel:              l.channel,
		LastMessageID:        p.maxID,
		LastMessageTimestamp: p.maxDate,
		UpdatedAt:            l.now().UTC(),
	}
	if err := l.cursors.Commit(context.WithoutCancel(ctx), c); err != nil {
		return errs.WithChannel(err, l.channel)
	}
	l.observer.ObserveCursor(l.channel, p.maxID)
	l.logger.DebugWithFields("Cursor advanced", map[string]interface{}{
		"last_message_id": p.maxID,
	})
	return nil
}
