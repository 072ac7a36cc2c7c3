package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	audit "maskgate/pkg/platform/audit"
	txcontext "maskgate/pkg/platform/tx"
)

// Schema is the DDL for the outbox and the materialized audit tables.
//
//go:embed schema.sql
var Schema string

// Store implements audit.Store using the transactional outbox pattern.
// Events are written to the outbox table and published to Kafka by the
// outbox relay. When the caller's context carries a transaction the event
// commits together with the record change it describes.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event.ToPayload())
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType := "audit"
	aggregateID := event.ID
	if event.WarrantID != "" {
		aggregateType = "warrant"
		aggregateID = event.WarrantID
	}

	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx, query,
		uuid.New(),
		aggregateType,
		aggregateID,
		event.Action,
		payload,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Materialized tables written by the audit consumer
// -----------------------------------------------------------------------------

// AppendCompliance inserts a compliance event into audit_compliance.
// Idempotent via ON CONFLICT DO NOTHING.
func (s *Store) AppendCompliance(ctx context.Context, eventID uuid.UUID, event audit.Event) error {
	query := `
		INSERT INTO audit_compliance (
			id, timestamp, warrant_id, enterprise_id, subject_tag, action,
			decision, reason, request_id, actor_id, user_agent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		eventID,
		event.Timestamp,
		event.WarrantID,
		event.EnterpriseID,
		event.Subject,
		event.Action,
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ActorID,
		event.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("insert compliance event: %w", err)
	}
	return nil
}

// AppendSecurity inserts a security event into audit_security.
func (s *Store) AppendSecurity(ctx context.Context, eventID uuid.UUID, event audit.Event) error {
	query := `
		INSERT INTO audit_security (
			id, timestamp, subject, action, reason, ip, request_id, user_agent, severity
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		eventID,
		event.Timestamp,
		event.Subject,
		event.Action,
		event.Reason,
		event.IP,
		event.RequestID,
		event.UserAgent,
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// AppendOps inserts an ops event into audit_ops.
func (s *Store) AppendOps(ctx context.Context, eventID uuid.UUID, event audit.Event) error {
	query := `
		INSERT INTO audit_ops (id, timestamp, warrant_id, action, request_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		eventID,
		event.Timestamp,
		event.WarrantID,
		event.Action,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert ops event: %w", err)
	}
	return nil
}

// ListByWarrant returns the materialized compliance trail of one warrant,
// oldest first.
func (s *Store) ListByWarrant(ctx context.Context, warrantID string) ([]audit.Event, error) {
	query := `
		SELECT id, timestamp, warrant_id, enterprise_id, subject_tag, action,
			   decision, reason, request_id, actor_id, user_agent
		FROM audit_compliance
		WHERE warrant_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := s.db.QueryContext(ctx, query, warrantID)
	if err != nil {
		return nil, fmt.Errorf("query compliance events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			id    uuid.UUID
			event audit.Event
		)
		if err := rows.Scan(
			&id,
			&event.Timestamp,
			&event.WarrantID,
			&event.EnterpriseID,
			&event.Subject,
			&event.Action,
			&event.Decision,
			&event.Reason,
			&event.RequestID,
			&event.ActorID,
			&event.UserAgent,
		); err != nil {
			return nil, fmt.Errorf("scan compliance event: %w", err)
		}
		event.ID = id.String()
		event.Category = audit.CategoryCompliance
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compliance events: %w", err)
	}
	return events, nil
}
