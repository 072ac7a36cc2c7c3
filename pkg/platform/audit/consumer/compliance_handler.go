package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"maskgate/internal/platform/kafka/consumer"
	audit "maskgate/pkg/platform/audit"
)

// ComplianceHandler writes warrant lifecycle events to audit_compliance.
type ComplianceHandler struct {
	store  ComplianceStore
	logger *slog.Logger
}

type ComplianceStore interface {
	AppendCompliance(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

func NewComplianceHandler(store ComplianceStore, logger *slog.Logger) *ComplianceHandler {
	return &ComplianceHandler{store: store, logger: logger}
}

func (h *ComplianceHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	eventID, event, ok := decode(h.logger, msg)
	if !ok {
		return nil
	}
	if event.WarrantID == "" {
		h.logger.Error("CRITICAL: compliance event missing WarrantID",
			"event_id", eventID,
			"action", event.Action,
		)
		return nil
	}

	if err := h.store.AppendCompliance(ctx, eventID, event); err != nil {
		h.logger.Error("failed to store compliance event",
			"event_id", eventID,
			"action", event.Action,
			"error", err,
		)
		return fmt.Errorf("store compliance event: %w", err)
	}

	h.logger.Debug("stored compliance event",
		"event_id", eventID,
		"action", event.Action,
		"warrant_id", event.WarrantID,
	)
	return nil
}
