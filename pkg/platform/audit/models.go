package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance:
	// every warrant lifecycle step. These require tamper-evident storage and
	// long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring:
	// rejected credentials, enterprise mismatches, forged signatures.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for operational visibility.
	// These can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID           string
	Category     EventCategory
	Timestamp    time.Time
	WarrantID    string
	EnterpriseID string
	// Subject is the subject tag (hex). Subject handles and raw identifiers
	// never enter the audit trail.
	Subject   string
	Action    string
	Decision  string
	Reason    string
	RequestID string
	ActorID   string
	UserAgent string
	IP        string
	Severity  Severity
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

type AuditEvent string

const (
	// Warrant lifecycle
	EventWarrantReceived     AuditEvent = "warrant_received"
	EventWarrantRejected     AuditEvent = "warrant_rejected"
	EventWarrantAnchored     AuditEvent = "warrant_anchored"
	EventAttestationRecorded AuditEvent = "attestation_recorded"
	EventReceiptIssued       AuditEvent = "receipt_issued"

	// Caller security
	EventAuthFailed         AuditEvent = "auth_failed"
	EventEnterpriseMismatch AuditEvent = "enterprise_mismatch"
	EventSignatureRejected  AuditEvent = "signature_rejected"

	// Operations
	EventStatusChecked     AuditEvent = "status_checked"
	EventReceiptDelivered  AuditEvent = "receipt_delivered"
	EventLedgerCircuitOpen AuditEvent = "ledger_circuit_open"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventWarrantReceived:     CategoryCompliance,
	EventWarrantRejected:     CategoryCompliance,
	EventWarrantAnchored:     CategoryCompliance,
	EventAttestationRecorded: CategoryCompliance,
	EventReceiptIssued:       CategoryCompliance,

	EventAuthFailed:         CategorySecurity,
	EventEnterpriseMismatch: CategorySecurity,
	EventSignatureRejected:  CategorySecurity,

	EventStatusChecked:     CategoryOperations,
	EventReceiptDelivered:  CategoryOperations,
	EventLedgerCircuitOpen: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// -----------------------------------------------------------------------------
// Right-sized event types for the three publishers
// -----------------------------------------------------------------------------

// ComplianceEvent records a warrant lifecycle step. Use with the compliance
// publisher for fail-closed semantics.
type ComplianceEvent struct {
	Timestamp    time.Time // set automatically if zero
	WarrantID    string    // required
	EnterpriseID string
	SubjectTag   string
	Action       string // required
	Decision     string // resulting state, e.g. "ANCHORED"
	Reason       string // rejection code when Decision is REJECTED
	RequestID    string
	ActorID      string
	UserAgent    string
}

func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:     CategoryCompliance,
		Timestamp:    e.Timestamp,
		WarrantID:    e.WarrantID,
		EnterpriseID: e.EnterpriseID,
		Subject:      e.SubjectTag,
		Action:       e.Action,
		Decision:     e.Decision,
		Reason:       e.Reason,
		RequestID:    e.RequestID,
		ActorID:      e.ActorID,
		UserAgent:    e.UserAgent,
	}
}

// SecurityEvent captures caller misbehaviour. Processed asynchronously with
// buffering.
type SecurityEvent struct {
	Timestamp time.Time
	Subject   string // enterprise id or key id involved
	Action    string
	Reason    string
	IP        string
	RequestID string
	UserAgent string
	Severity  Severity
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (e SecurityEvent) Category() EventCategory { return CategorySecurity }

func (e SecurityEvent) ToEvent() Event {
	return Event{
		Category:  CategorySecurity,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		IP:        e.IP,
		RequestID: e.RequestID,
		UserAgent: e.UserAgent,
		Severity:  e.Severity,
	}
}

// OpsEvent captures operational events with minimal overhead. Fire and
// forget, optionally sampled.
type OpsEvent struct {
	Timestamp time.Time
	WarrantID string
	Action    string
	RequestID string
}

func (e OpsEvent) Category() EventCategory { return CategoryOperations }

func (e OpsEvent) ToEvent() Event {
	return Event{
		Category:  CategoryOperations,
		Timestamp: e.Timestamp,
		WarrantID: e.WarrantID,
		Action:    e.Action,
		RequestID: e.RequestID,
	}
}

// Payload is the wire shape of an event in the outbox and on Kafka.
type Payload struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	Timestamp    string `json:"timestamp"`
	WarrantID    string `json:"warrant_id,omitempty"`
	EnterpriseID string `json:"enterprise_id,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Action       string `json:"action"`
	Decision     string `json:"decision,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	ActorID      string `json:"actor_id,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	IP           string `json:"ip,omitempty"`
	Severity     string `json:"severity,omitempty"`
}

// ToPayload converts e for the wire. The category is always derived from
// the action.
func (e Event) ToPayload() Payload {
	return Payload{
		ID:           e.ID,
		Category:     string(AuditEvent(e.Action).Category()),
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		WarrantID:    e.WarrantID,
		EnterpriseID: e.EnterpriseID,
		Subject:      e.Subject,
		Action:       e.Action,
		Decision:     e.Decision,
		Reason:       e.Reason,
		RequestID:    e.RequestID,
		ActorID:      e.ActorID,
		UserAgent:    e.UserAgent,
		IP:           e.IP,
		Severity:     string(e.Severity),
	}
}

// ToEvent parses p back into an Event. An unparseable timestamp falls back
// to now.
func (p Payload) ToEvent() Event {
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	return Event{
		ID:           p.ID,
		Category:     EventCategory(p.Category),
		Timestamp:    ts,
		WarrantID:    p.WarrantID,
		EnterpriseID: p.EnterpriseID,
		Subject:      p.Subject,
		Action:       p.Action,
		Decision:     p.Decision,
		Reason:       p.Reason,
		RequestID:    p.RequestID,
		ActorID:      p.ActorID,
		UserAgent:    p.UserAgent,
		IP:           p.IP,
		Severity:     Severity(p.Severity),
	}
}
