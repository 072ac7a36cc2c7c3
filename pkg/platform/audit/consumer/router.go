// Package consumer materializes relayed audit events from Kafka into
// queryable per-category tables.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"maskgate/internal/platform/kafka/consumer"
	audit "maskgate/pkg/platform/audit"
)

// TopicHandler handles messages from a specific topic.
type TopicHandler interface {
	Handle(ctx context.Context, msg *consumer.Message) error
}

// Router dispatches messages to topic-specific handlers.
type Router struct {
	handlers map[string]TopicHandler
	fallback TopicHandler
	logger   *slog.Logger
}

// NewRouter creates a topic router with an optional fallback handler.
func NewRouter(logger *slog.Logger, fallback TopicHandler) *Router {
	return &Router{
		handlers: make(map[string]TopicHandler),
		fallback: fallback,
		logger:   logger,
	}
}

func (r *Router) Register(topic string, handler TopicHandler) {
	r.handlers[topic] = handler
}

// Topics lists the registered topics.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Handle routes the message to the appropriate topic handler.
func (r *Router) Handle(ctx context.Context, msg *consumer.Message) error {
	handler, ok := r.handlers[msg.Topic]
	if !ok {
		if r.fallback != nil {
			return r.fallback.Handle(ctx, msg)
		}
		r.logger.Warn("no handler for topic, skipping message",
			"topic", msg.Topic,
			"key", string(msg.Key),
		)
		return nil // commit to avoid redelivery
	}
	return handler.Handle(ctx, msg)
}

// decode parses the event id and payload. ok is false for messages that
// can never be stored; those are logged and committed.
func decode(logger *slog.Logger, msg *consumer.Message) (uuid.UUID, audit.Event, bool) {
	eventID, err := uuid.Parse(string(msg.Key))
	if err != nil {
		logger.Error("failed to parse audit event ID",
			"topic", msg.Topic,
			"key", string(msg.Key),
			"error", err,
		)
		return uuid.Nil, audit.Event{}, false
	}
	var payload audit.Payload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		logger.Error("failed to unmarshal audit payload",
			"topic", msg.Topic,
			"event_id", eventID,
			"error", err,
		)
		return uuid.Nil, audit.Event{}, false
	}
	return eventID, payload.ToEvent(), true
}
