package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"maskgate/internal/platform/kafka/consumer"
	audit "maskgate/pkg/platform/audit"
)

// SecurityHandler writes security events to audit_security for SIEM export.
type SecurityHandler struct {
	store  SecurityStore
	logger *slog.Logger
}

type SecurityStore interface {
	AppendSecurity(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

func NewSecurityHandler(store SecurityStore, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{store: store, logger: logger}
}

func (h *SecurityHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	eventID, event, ok := decode(h.logger, msg)
	if !ok {
		return nil
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityInfo
	}
	if err := h.store.AppendSecurity(ctx, eventID, event); err != nil {
		h.logger.Error("failed to store security event",
			"event_id", eventID,
			"action", event.Action,
			"error", err,
		)
		return fmt.Errorf("store security event: %w", err)
	}
	return nil
}
