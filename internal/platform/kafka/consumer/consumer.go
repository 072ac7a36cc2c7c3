// Package consumer runs a Kafka consumer group with at-least-once delivery:
// offsets are committed only after the handler returns nil.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. A returned error is retried with backoff
// until the handler succeeds or the consumer stops; handlers return nil for
// messages that can never succeed.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func New(brokers []string, group string, topics []string, handler Handler, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if group == "" || len(topics) == 0 {
		return nil, errors.New("consumer group and topics are required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c := &Consumer{client: client, handler: handler, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WarnContext(ctx, "kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var handled []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			if ctx.Err() != nil {
				return
			}
			if err := c.handle(ctx, rec); err != nil {
				return
			}
			handled = append(handled, rec)
		})
		if len(handled) > 0 {
			if err := c.client.CommitRecords(ctx, handled...); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "kafka commit failed", "records", len(handled), "error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	msg := toMessage(rec)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(func() error {
		return c.handler.Handle(ctx, msg)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.ErrorContext(ctx, "kafka handler failed",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"retry_in", wait,
			"error", err,
		)
	})
}

func toMessage(rec *kgo.Record) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
