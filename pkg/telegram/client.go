package telegram

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
)

// MaxPageSize is the largest page messages.getHistory returns
const MaxPageSize = 100

// historyAPI is the subset of *tg.Client the source calls
type historyAPI interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

type downloadFunc func(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error

// Options configures the MTProto source
type Options struct {
	APIID       int
	APIHash     string
	SessionFile string
	// Login runs the interactive sign-in when the session is not authorized; nil fails instead
	Login auth.UserAuthenticator
}

// Source reads channel history over MTProto
type Source struct {
	client   *telegram.Client
	login    auth.UserAuthenticator
	api      historyAPI
	download downloadFunc
	logger   logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	peers map[string]tg.InputPeerClass
}

// New creates a source; no connection is made until Run
func New(opts Options, log logger.Logger) (*Source, error) {
	if opts.APIID == 0 || opts.APIHash == "" {
		return nil, errs.New(errs.ErrorTypeConfig, "telegram", "api id and api hash are required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	client := telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionFile},
	})
	return &Source{
		client: client,
		login:  opts.Login,
		logger: log.WithField("component", "telegram"),
		now:    time.Now,
		peers:  make(map[string]tg.InputPeerClass),
	}, nil
}

// newWithAPI builds a source around an already connected API
func newWithAPI(api historyAPI, download downloadFunc, log logger.Logger) *Source {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Source{
		api:      api,
		download: download,
		logger:   log,
		now:      time.Now,
		peers:    make(map[string]tg.InputPeerClass),
	}
}

// Run connects, makes sure the session is authorized and calls fn while the
// connection is up. FetchPage and FetchMedia are only usable inside fn.
func (s *Source) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		if err := s.authorize(ctx); err != nil {
			return err
		}

		api := s.client.API()
		s.api = api
		s.download = func(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error {
			_, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, w)
			return err
		}
		s.logger.Info("Connected to Telegram")
		return fn(ctx)
	})
}

func (s *Source) authorize(ctx context.Context) error {
	status, err := s.client.Auth().Status(ctx)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeTransient, "auth_status", err)
	}
	if status.Authorized {
		return nil
	}
	if s.login == nil {
		return errs.New(errs.ErrorTypeConfig, "auth", "telegram session is not authorized; run 'tgingest auth login' first")
	}

	s.logger.Info("Session not authorized, starting sign-in")
	flow := auth.NewFlow(s.login, auth.SendCodeOptions{})
	if err := s.client.Auth().IfNecessary(ctx, flow); err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, "auth", fmt.Errorf("sign-in failed: %w", err))
	}
	return nil
}

// resolve looks a channel handle up once per process
func (s *Source) resolve(ctx context.Context, channel string) (tg.InputPeerClass, error) {
	s.mu.Lock()
	peer, ok := s.peers[channel]
	s.mu.Unlock()
	if ok {
		return peer, nil
	}

	res, err := s.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: channel})
	if err != nil {
		return nil, classify("resolve_channel", channel, err)
	}
	for _, chat := range res.Chats {
		if c, ok := chat.(*tg.Channel); ok {
			peer = &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
			break
		}
	}
	if peer == nil {
		return nil, errs.Access("resolve_channel", channel, fmt.Errorf("%s is not a channel", channel))
	}

	s.mu.Lock()
	s.peers[channel] = peer
	s.mu.Unlock()

	s.logger.DebugWithFields("Resolved channel", map[string]interface{}{"channel": channel})
	return peer, nil
}

// historyRequest builds an oldest-first window: everything strictly after AfterID,
// or after NotBefore when there is no cursor yet
func historyRequest(peer tg.InputPeerClass, req models.PageRequest) *tg.MessagesGetHistoryRequest {
	limit := req.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	r := &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		AddOffset: -limit,
		Limit:     limit,
	}
	switch {
	case req.AfterID > 0:
		r.OffsetID = int(req.AfterID) + 1
		r.MinID = int(req.AfterID)
	case !req.NotBefore.IsZero():
		r.OffsetDate = int(req.NotBefore.Unix())
	default:
		r.OffsetID = 1
	}
	return r
}

// FetchPage returns up to req.Limit messages newer than the request bound, ascending by id
func (s *Source) FetchPage(ctx context.Context, channel string, req models.PageRequest) (*models.Page, error) {
	peer, err := s.resolve(ctx, channel)
	if err != nil {
		return nil, err
	}

	start := s.now()
	res, err := s.api.MessagesGetHistory(ctx, historyRequest(peer, req))
	if err != nil {
		return nil, classify("fetch_page", channel, err)
	}
	msgs, err := historyMessages(res)
	if err != nil {
		return nil, errs.WithChannel(errs.Transient("fetch_page", err), channel)
	}

	ingestedAt := s.now().UTC()
	page := &models.Page{Items: make([]models.PageItem, 0, len(msgs))}
	for _, msg := range msgs {
		item := normalize(channel, msg, ingestedAt)
		if req.AfterID > 0 && item.Record.MessageID <= req.AfterID {
			continue
		}
		if req.AfterID == 0 && !req.NotBefore.IsZero() && item.Err == nil && item.Record.Date.Before(req.NotBefore) {
			continue
		}
		page.Items = append(page.Items, item)
	}
	sort.SliceStable(page.Items, func(i, j int) bool {
		return page.Items[i].Record.MessageID < page.Items[j].Record.MessageID
	})

	s.logger.DebugWithFields("Fetched history page", map[string]interface{}{
		"channel":  channel,
		"after_id": req.AfterID,
		"messages": page.Len(),
		"duration": s.now().Sub(start),
	})
	return page, nil
}

// FetchMedia streams the photo behind ref into w
func (s *Source) FetchMedia(ctx context.Context, ref models.MediaRef, w io.Writer) error {
	loc := &tg.InputPhotoFileLocation{
		ID:            ref.ID,
		AccessHash:    ref.AccessHash,
		FileReference: ref.FileReference,
		ThumbSize:     ref.ThumbSize,
	}
	if err := s.download(ctx, loc, w); err != nil {
		return classify("fetch_media", ref.Channel, err)
	}
	return nil
}
