// Package service is the warrant processor. It drives each warrant through
// RECEIVED → SCHEMA_VALID → SIGNATURE_VALID → ANCHORED → ATTESTED → RECEIPTED,
// or REJECTED, persisting every step on the warrant's AnchorRecord.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"maskgate/internal/anchor"
	"maskgate/internal/notify"
	"maskgate/internal/platform/retry"
	"maskgate/internal/schema"
	"maskgate/internal/signature"
	"maskgate/internal/subjecttag"
	"maskgate/internal/warrant/metrics"
	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/store"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/sentinel"
	"maskgate/pkg/requestcontext"
)

type RecordStore interface {
	Get(ctx context.Context, warrantID string) (*models.AnchorRecord, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.AnchorRecord) error
}

type DocumentArchive interface {
	Save(ctx context.Context, doc store.Document) error
	Find(ctx context.Context, kind store.DocumentKind, id string) (*store.Document, error)
}

// Anchorer commits anchors to the ledger at most once per key.
type Anchorer interface {
	IdempotentSubmit(ctx context.Context, key string, req anchor.Request) (anchor.Receipt, error)
	Lookup(ctx context.Context, key, digest string) (anchor.Receipt, bool, error)
}

type SignatureVerifier interface {
	Verify(ctx context.Context, canonical, sig []byte, keyID string, alg signature.Algorithm) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type SecurityAuditor interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

type OpsTracker interface {
	Track(ctx context.Context, event audit.OpsEvent)
}

type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Transactor runs fn so that every store write made through ctx commits or
// rolls back together.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// Config carries the controller identity the processor signs and anchors as.
type Config struct {
	ControllerDID string
	TagKey        []byte // subject tag key, at least subjecttag.MinKeySize bytes
	SigningKeyID  string // keyring entry used for attestations and receipts

	// AnchorTimeout caps one anchoring pass; the warrant's exp+1s caps it too.
	AnchorTimeout time.Duration
	// InFlightLease is how long a SIGNATURE_VALID record without a recorded
	// failure is treated as owned by another caller.
	InFlightLease time.Duration
	// NotifyTimeout bounds receipt delivery after RECEIPTED.
	NotifyTimeout time.Duration
}

const (
	defaultAnchorTimeout = 2 * time.Minute
	defaultInFlightLease = 2 * time.Minute
	defaultNotifyTimeout = 10 * time.Second
)

// Service orchestrates warrant verification, anchoring, attestation and
// receipt issuance.
type Service struct {
	records   RecordStore
	archive   DocumentArchive
	anchors   Anchorer
	verifier  SignatureVerifier
	signer    signature.Signer
	validator *schema.Validator
	cfg       Config
	didHash   string

	processing retry.Policy
	transact   Transactor
	flights    singleflight.Group

	logger         *slog.Logger
	auditPublisher AuditPublisher
	security       SecurityAuditor
	ops            OpsTracker
	notifier       Notifier
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAuditPublisher sets the compliance publisher. Compliance events are
// written in the same transaction as the record change they describe.
func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithSecurityAuditor(auditor SecurityAuditor) Option {
	return func(s *Service) {
		s.security = auditor
	}
}

func WithOpsTracker(tracker OpsTracker) Option {
	return func(s *Service) {
		s.ops = tracker
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithValidator replaces the default schema validator (no audience rule).
func WithValidator(v *schema.Validator) Option {
	return func(s *Service) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithProcessingPolicy bounds retries of attestation and receipt construction.
func WithProcessingPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.processing = p
	}
}

func WithTransactor(t Transactor) Option {
	return func(s *Service) {
		if t != nil {
			s.transact = t
		}
	}
}

// New constructs a Service.
func New(records RecordStore, archive DocumentArchive, anchors Anchorer, verifier SignatureVerifier, signer signature.Signer, cfg Config, opts ...Option) (*Service, error) {
	if records == nil || archive == nil || anchors == nil || verifier == nil || signer == nil {
		return nil, errors.New("warrant service: records, archive, anchors, verifier and signer are required")
	}
	if cfg.ControllerDID == "" {
		return nil, errors.New("warrant service: controller DID is required")
	}
	if len(cfg.TagKey) < subjecttag.MinKeySize {
		return nil, fmt.Errorf("warrant service: subject tag key must be at least %d bytes", subjecttag.MinKeySize)
	}
	if cfg.SigningKeyID == "" {
		return nil, errors.New("warrant service: signing key id is required")
	}
	if cfg.AnchorTimeout <= 0 {
		cfg.AnchorTimeout = defaultAnchorTimeout
	}
	if cfg.InFlightLease <= 0 {
		cfg.InFlightLease = defaultInFlightLease
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}

	s := &Service{
		records:    records,
		archive:    archive,
		anchors:    anchors,
		verifier:   verifier,
		signer:     signer,
		validator:  schema.New(),
		cfg:        cfg,
		didHash:    ControllerDIDHash(cfg.ControllerDID),
		processing: retry.ProcessingPolicy(),
		transact:   func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		logger:     slog.Default(),
		tracer:     otel.Tracer("maskgate/warrant"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ControllerDIDHash is the Keccak-256 of the controller DID as lowercase hex.
func ControllerDIDHash(did string) string {
	return hex.EncodeToString(signature.Keccak256([]byte(did)))
}

// save writes rec over expected and, when event is set, emits it in the same
// transaction.
func (s *Service) save(ctx context.Context, expected int64, rec *models.AnchorRecord, event *audit.ComplianceEvent) error {
	return s.transact(ctx, func(ctx context.Context) error {
		if err := s.records.CompareAndSwap(ctx, expected, rec); err != nil {
			return err
		}
		if event != nil && s.auditPublisher != nil {
			return s.auditPublisher.Emit(ctx, *event)
		}
		return nil
	})
}

// update applies mutate to the latest stored copy of rec and writes it back.
// Store failures and lost compare-and-swaps are retried under the processing
// policy; a mutate error stops immediately.
func (s *Service) update(ctx context.Context, rec *models.AnchorRecord, action audit.AuditEvent, mutate func(r *models.AnchorRecord) error) (*models.AnchorRecord, error) {
	current := rec
	var out *models.AnchorRecord
	_, err := s.processing.Do(ctx, classifyProcessing, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			fresh, err := s.records.Get(ctx, rec.WarrantID)
			if err != nil {
				return err
			}
			current = fresh
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		var event *audit.ComplianceEvent
		if action != "" {
			event = s.complianceEvent(ctx, action, next)
		}
		if err := s.save(ctx, current.Version, next, event); err != nil {
			return err
		}
		out = next
		return nil
	}, s.retryNotify(ctx, "update anchor record", rec.WarrantID))
	if err != nil {
		return current, err
	}
	return out, nil
}

// reject moves rec to REJECTED with code as the recorded reason and returns
// the coded error the caller should surface.
func (s *Service) reject(ctx context.Context, rec *models.AnchorRecord, code dErrors.Code, cause error) (*models.AnchorRecord, error) {
	now := requestcontext.Now(ctx)
	s.metrics.IncRejection(string(code))
	rejected, err := s.update(ctx, rec, audit.EventWarrantRejected, func(r *models.AnchorRecord) error {
		return r.Reject(string(code), now)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record warrant rejection",
			"warrant_id", rec.WarrantID,
			"reason", string(code),
			"error", err,
		)
		return rec, coded(cause, code)
	}
	s.metrics.IncTransition(string(models.StateRejected))
	s.logger.InfoContext(ctx, "warrant rejected",
		"warrant_id", rejected.WarrantID,
		"jti", rejected.JTI,
		"reason", rejected.LastError,
	)
	return rejected, coded(cause, code)
}

func (s *Service) complianceEvent(ctx context.Context, action audit.AuditEvent, rec *models.AnchorRecord) *audit.ComplianceEvent {
	return &audit.ComplianceEvent{
		Timestamp:    rec.UpdatedAt,
		WarrantID:    rec.WarrantID,
		EnterpriseID: rec.EnterpriseID,
		SubjectTag:   rec.SubjectTag,
		Action:       string(action),
		Decision:     string(rec.State),
		Reason:       rec.LastError,
		RequestID:    requestcontext.RequestID(ctx),
		ActorID:      requestcontext.EnterpriseID(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
	}
}

func (s *Service) securityEvent(ctx context.Context, action audit.AuditEvent, subject, reason string) {
	if s.security == nil {
		return
	}
	s.security.Emit(ctx, audit.SecurityEvent{
		Timestamp: requestcontext.Now(ctx),
		Subject:   subject,
		Action:    string(action),
		Reason:    reason,
		IP:        requestcontext.ClientIP(ctx),
		RequestID: requestcontext.RequestID(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		Severity:  audit.SeverityWarning,
	})
}

func (s *Service) track(ctx context.Context, action audit.AuditEvent, warrantID string) {
	if s.ops == nil {
		return
	}
	s.ops.Track(ctx, audit.OpsEvent{
		Timestamp: requestcontext.Now(ctx),
		WarrantID: warrantID,
		Action:    string(action),
		RequestID: requestcontext.RequestID(ctx),
	})
}

func (s *Service) retryNotify(ctx context.Context, step, warrantID string) retry.Notify {
	return func(err error, attempt int, wait time.Duration) {
		s.metrics.IncProcessingRetry()
		s.logger.WarnContext(ctx, "retrying warrant processing step",
			"step", step,
			"warrant_id", warrantID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
}

// classifyProcessing retries infrastructure failures and stops on domain
// errors, which describe a state that retrying cannot change.
func classifyProcessing(err error) retry.Class {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return retry.Permanent
	case errors.Is(err, sentinel.ErrNotFound):
		return retry.Permanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Permanent
	}
	return retry.Transient
}

// coded returns cause if it already carries code, else a new coded error
// wrapping it.
func coded(cause error, code dErrors.Code) error {
	if cause == nil {
		return dErrors.New(code, reasonMessage(code))
	}
	if dErrors.HasCode(cause, code) {
		return cause
	}
	return dErrors.Wrap(cause, code, reasonMessage(code))
}

func reasonMessage(code dErrors.Code) string {
	switch code {
	case dErrors.CodeExpired:
		return "warrant expired"
	case dErrors.CodeNotYetValid:
		return "warrant is not yet valid"
	case dErrors.CodeLedgerPermanent:
		return "ledger rejected the anchor"
	case dErrors.CodeLedgerTransient:
		return "ledger unavailable; resubmit to retry"
	case dErrors.CodeProcessingFailed:
		return "warrant processing failed after retries"
	case dErrors.CodeSignatureInvalid:
		return "signature does not verify"
	case dErrors.CodeSubjectTagMismatch:
		return "subject.tag does not match the derived subject tag"
	}
	return "warrant rejected: " + string(code)
}

// replaceableReasons are rejections decided before the issuer's signature
// was trusted, or that depend only on when the warrant was submitted. A later
// submission of the same warrant id may take such a record over.
var replaceableReasons = map[string]bool{
	string(dErrors.CodeSchemaInvalid):        true,
	string(dErrors.CodeUnsupportedAlgorithm): true,
	string(dErrors.CodeCanonicalization):     true,
	string(dErrors.CodeSignatureInvalid):     true,
	string(dErrors.CodeNotYetValid):          true,
}

// replaceable reports whether a submission from enterpriseID may take rec
// over. Another enterprise's rejection never reserves the id.
func replaceable(rec *models.AnchorRecord, enterpriseID string) bool {
	if rec.State != models.StateRejected {
		return false
	}
	return replaceableReasons[rec.LastError] || rec.EnterpriseID != enterpriseID
}
