package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"

	"tgingest/internal/app"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
)

// Response is returned to the scheduler that invoked the function
type Response struct {
	RunID    string   `json:"run_id"`
	Status   string   `json:"status"`
	Messages int      `json:"messages"`
	Assets   int      `json:"assets"`
	Failed   []string `json:"failed,omitempty"`
}

type runFunc func(ctx context.Context, channels []string) (*models.RunReport, error)

// Handler runs one ingestion per scheduled invocation
type Handler struct {
	app    *app.App
	run    runFunc
	logger logger.Logger
}

// NewHandler runs against Telegram with the already authorized session file;
// there is no terminal to prompt for a login code
func NewHandler(a *app.App, log logger.Logger) *Handler {
	h := &Handler{app: a, logger: log}
	h.run = func(ctx context.Context, channels []string) (*models.RunReport, error) {
		src, err := a.NewSource(false)
		if err != nil {
			return nil, err
		}
		return a.Run(ctx, src, channels)
	}
	return h
}

// Handle accepts the EventBridge schedule event. A partial run is reported in
// the response rather than as an invocation error so the schedule does not retry it.
func (h *Handler) Handle(ctx context.Context, ev events.CloudWatchEvent) (*Response, error) {
	h.logger.InfoWithFields("Invocation received", map[string]interface{}{
		"event_id": ev.ID,
		"source":   ev.Source,
		"time":     ev.Time,
	})

	channels, err := h.app.Config.ResolveChannels()
	if err != nil {
		return nil, err
	}
	rep, err := h.run(ctx, channels)
	if err != nil {
		h.logger.WithError(err).Error("Run failed to start")
		return nil, err
	}

	resp := &Response{
		RunID:    rep.RunID,
		Status:   rep.Status,
		Messages: rep.Messages,
		Assets:   rep.Assets,
	}
	for _, c := range rep.Failed() {
		resp.Failed = append(resp.Failed, c.Channel)
	}
	return resp, nil
}
