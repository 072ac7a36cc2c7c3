// Package producer publishes records synchronously to Kafka.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record to publish.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer wraps a kgo client configured for durable, idempotent writes.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

type Option func(*config)

type config struct {
	logger  *slog.Logger
	linger  time.Duration
	timeout time.Duration
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithLinger batches records for up to d before sending.
func WithLinger(d time.Duration) Option {
	return func(c *config) {
		c.linger = d
	}
}

// WithRecordTimeout bounds how long a record may wait for acknowledgement.
func WithRecordTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

func New(brokers []string, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	cfg := &config{
		logger:  slog.Default(),
		linger:  5 * time.Millisecond,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.RecordDeliveryTimeout(cfg.timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client, logger: cfg.logger}, nil
}

// Publish writes msgs and waits for every acknowledgement. The first
// failure is returned.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		rec := &kgo.Record{Topic: m.Topic, Key: m.Key, Value: m.Value}
		for k, v := range m.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, rec)
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		p.logger.ErrorContext(ctx, "kafka publish failed", "records", len(records), "error", err)
		return fmt.Errorf("publish %d records: %w", len(records), err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}
