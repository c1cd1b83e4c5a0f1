// Package events announces finished channels and runs on an AMQP topic exchange.
//
// Routing keys are "channel.ingested" and "run.completed"; bodies are JSON.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
	"tgingest/pkg/retry"
)

const (
	KeyChannelIngested = "channel.ingested"
	KeyRunCompleted    = "run.completed"
)

// ChannelIngested is the body published per finished channel
type ChannelIngested struct {
	RunID     string       `json:"run_id"`
	Channel   string       `json:"channel"`
	State     models.State `json:"state"`
	Count     int          `json:"count"`
	Assets    int          `json:"assets"`
	EndCursor int64        `json:"end_cursor"`
	ErrorType string       `json:"error_type,omitempty"`
	Cause     string       `json:"cause,omitempty"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher implements ingest.Publisher
type Publisher struct {
	ch       publisher
	conn     *amqp.Connection
	exchange string
	logger   logger.Logger
	now      func() time.Time
}

// Dial connects to url, retrying while the broker is unreachable, and declares
// a durable topic exchange
func Dial(ctx context.Context, url, exchange string, log logger.Logger) (*Publisher, error) {
	conn, err := retry.DoWithResult(ctx, func(ctx context.Context) (*amqp.Connection, error) {
		c, err := amqp.Dial(url)
		if err != nil {
			return nil, errs.Transient("amqp_dial", err)
		}
		return c, nil
	}, &retry.Config{
		MaxAttempts: 3,
		Backoff:     retry.DefaultExponentialBackoff(),
		Logger:      log,
		Name:        "amqp dial",
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errs.Transient("amqp_channel", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.ErrorTypeConfig, "amqp_declare", err)
	}
	p := newPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func newPublisher(ch publisher, exchange string, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   log.WithField("component", "events"),
		now:      time.Now,
	}
}

func (p *Publisher) ChannelIngested(ctx context.Context, runID string, res models.ChannelResult) error {
	return p.publish(ctx, KeyChannelIngested, ChannelIngested{
		RunID:     runID,
		Channel:   res.Channel,
		State:     res.State,
		Count:     res.Count,
		Assets:    res.Assets,
		EndCursor: res.EndCursor,
		ErrorType: res.ErrorType,
		Cause:     res.Cause,
	})
}

func (p *Publisher) RunCompleted(ctx context.Context, report *models.RunReport) error {
	return p.publish(ctx, KeyRunCompleted, report)
}

func (p *Publisher) publish(ctx context.Context, key string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", key, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		Type:         key,
		Body:         data,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return errs.Transient("amqp_publish", err)
	}
	p.logger.DebugWithFields("Event published", map[string]interface{}{"key": key, "message_id": msg.MessageId})
	return nil
}

// Close closes the underlying connection
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
