package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maskgate/internal/platform/kafka/producer"
)

// Publisher is satisfied by *producer.Producer.
type Publisher interface {
	Publish(ctx context.Context, msgs ...producer.Message) error
}

// ReceiptFeed publishes every receipt to the indexer topic, keyed by
// warrant id so one warrant's records stay on one partition.
type ReceiptFeed struct {
	publisher Publisher
	topic     string
}

func NewReceiptFeed(publisher Publisher, topic string) (*ReceiptFeed, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("receipt topic is required")
	}
	return &ReceiptFeed{publisher: publisher, topic: topic}, nil
}

func (f *ReceiptFeed) Notify(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n.Receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return f.publisher.Publish(ctx, producer.Message{
		Topic: f.topic,
		Key:   []byte(n.WarrantID),
		Value: value,
		Headers: map[string]string{
			"enterprise_id": n.EnterpriseID,
			"receipt_id":    n.Receipt.ID,
			"status":        string(n.Receipt.Status),
		},
	})
}
