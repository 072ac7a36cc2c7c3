package consumer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"maskgate/internal/platform/kafka/consumer"
	audit "maskgate/pkg/platform/audit"
)

// OpsHandler writes operational events to audit_ops. Store failures are
// logged and the message is committed; ops events are best effort.
type OpsHandler struct {
	store  OpsStore
	logger *slog.Logger
}

type OpsStore interface {
	AppendOps(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

func NewOpsHandler(store OpsStore, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{store: store, logger: logger}
}

func (h *OpsHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	eventID, event, ok := decode(h.logger, msg)
	if !ok {
		return nil
	}
	if err := h.store.AppendOps(ctx, eventID, event); err != nil {
		h.logger.Warn("failed to store ops event, dropping",
			"event_id", eventID,
			"action", event.Action,
			"error", err,
		)
	}
	return nil
}
