// Package worker relays audit events from the postgres outbox to Kafka.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"maskgate/internal/platform/kafka/producer"
	audit "maskgate/pkg/platform/audit"
	txcontext "maskgate/pkg/platform/tx"
)

// Publisher is satisfied by *producer.Producer.
type Publisher interface {
	Publish(ctx context.Context, msgs ...producer.Message) error
}

// Topics maps event categories to Kafka topics. Categories without a topic
// go to Default.
type Topics struct {
	Default    string
	ByCategory map[audit.EventCategory]string
}

func (t Topics) For(category audit.EventCategory) string {
	if topic, ok := t.ByCategory[category]; ok && topic != "" {
		return topic
	}
	return t.Default
}

// OutboxRelay polls unprocessed outbox rows, publishes them and marks them
// processed in the same transaction. Rows are locked with SKIP LOCKED so
// several relays can run side by side. Delivery is at-least-once.
type OutboxRelay struct {
	db        *sql.DB
	publisher Publisher
	topics    Topics
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

type Option func(*OutboxRelay)

func WithBatchSize(n int) Option {
	return func(r *OutboxRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *OutboxRelay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *OutboxRelay) {
		r.logger = logger
	}
}

func NewOutboxRelay(db *sql.DB, publisher Publisher, topics Topics, opts ...Option) (*OutboxRelay, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topics.Default == "" {
		return nil, errors.New("default audit topic is required")
	}
	r := &OutboxRelay{
		db:        db,
		publisher: publisher,
		topics:    topics,
		batchSize: 100,
		interval:  time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run relays until ctx is done. A full batch is followed immediately by
// another poll.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
		}
		if err == nil && n == r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type outboxRow struct {
	id        string
	eventType string
	payload   []byte
}

// RelayOnce publishes at most one batch and returns how many rows it
// relayed.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	relayed := 0
	err := txcontext.Run(ctx, r.db, func(ctx context.Context) error {
		exec := txcontext.ExecutorFrom(ctx, r.db)
		rows, err := exec.QueryContext(ctx, `
			SELECT id, event_type, payload
			FROM outbox
			WHERE processed_at IS NULL
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, r.batchSize)
		if err != nil {
			return fmt.Errorf("select outbox: %w", err)
		}
		var batch []outboxRow
		for rows.Next() {
			var row outboxRow
			if err := rows.Scan(&row.id, &row.eventType, &row.payload); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox: %w", err)
			}
			batch = append(batch, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		msgs := make([]producer.Message, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, row := range batch {
			msg, err := r.message(row)
			if err != nil {
				r.logger.ErrorContext(ctx, "dropping malformed outbox row", "outbox_id", row.id, "error", err)
			} else {
				msgs = append(msgs, msg)
			}
			ids = append(ids, row.id)
		}
		if err := r.publisher.Publish(ctx, msgs...); err != nil {
			return fmt.Errorf("publish outbox batch: %w", err)
		}
		if _, err := exec.ExecContext(ctx,
			`UPDATE outbox SET processed_at = $1 WHERE id = ANY($2::uuid[])`,
			time.Now(), pq.Array(ids),
		); err != nil {
			return fmt.Errorf("mark outbox processed: %w", err)
		}
		relayed = len(batch)
		return nil
	})
	return relayed, err
}

func (r *OutboxRelay) message(row outboxRow) (producer.Message, error) {
	var p audit.Payload
	if err := json.Unmarshal(row.payload, &p); err != nil {
		return producer.Message{}, err
	}
	if p.ID == "" {
		return producer.Message{}, errors.New("payload has no event id")
	}
	return producer.Message{
		Topic: r.topics.For(audit.EventCategory(p.Category)),
		Key:   []byte(p.ID),
		Value: row.payload,
		Headers: map[string]string{
			"event_type": row.eventType,
			"category":   p.Category,
		},
	}, nil
}
