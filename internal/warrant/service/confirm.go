package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"maskgate/internal/canonical"
	"maskgate/internal/notify"
	"maskgate/internal/signature"
	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/store"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/sentinel"
	"maskgate/pkg/requestcontext"
)

// receiptNamespace scopes name-based receipt ids.
var receiptNamespace = uuid.MustParse("5f1e0b8e-3c2a-4d7b-9a61-6b0f6c2d9e41")

// ReceiptID derives the receipt id from the warrant and attestation digests.
func ReceiptID(warrantDigest, attestationDigest string) string {
	return uuid.NewSHA1(receiptNamespace, []byte(warrantDigest+":"+attestationDigest)).String()
}

// Confirmation is the outcome of an accepted attestation.
type Confirmation struct {
	Record      *models.AnchorRecord
	Attestation *models.DeletionAttestation // controller-signed
	Receipt     *models.MaskReceipt
}

// Confirm records the enforcer's attestation for an ANCHORED warrant, issues
// the controller-signed attestation and the receipt. Confirming the same
// attestation again returns the receipt already issued.
//
// An attestation that fails verification leaves the warrant ANCHORED so the
// enforcer can send a corrected one.
func (s *Service) Confirm(ctx context.Context, raw []byte) (*Confirmation, error) {
	start := time.Now()
	defer s.metrics.ObserveConfirm(start)

	ctx, span := s.tracer.Start(ctx, "warrant.Confirm")
	defer span.End()

	a, err := s.verifyAttestation(ctx, raw)
	if err != nil {
		s.metrics.IncRejection(string(dErrors.CodeOf(err)))
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("warrant.id", a.WarrantID),
		attribute.String("attestation.id", a.ID),
	)

	res, err, _ := s.flights.Do("confirm:"+a.WarrantID, func() (any, error) {
		return s.confirm(context.WithoutCancel(ctx), a)
	})
	c, _ := res.(*Confirmation)
	if err != nil {
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	return c.clone(), err
}

// clone copies the record, which callers sharing one confirmation may hold.
func (c *Confirmation) clone() *Confirmation {
	if c == nil {
		return nil
	}
	return &Confirmation{Record: c.Record.Clone(), Attestation: c.Attestation, Receipt: c.Receipt}
}

func (s *Service) verifyAttestation(ctx context.Context, raw []byte) (*models.DeletionAttestation, error) {
	a, res := s.validator.ParseAttestation(raw)
	if !res.Valid {
		return nil, res.Err()
	}
	if caller := requestcontext.EnterpriseID(ctx); caller != "" && caller != a.EnterpriseID {
		s.securityEvent(ctx, audit.EventEnterpriseMismatch, caller, "attestation enterprise_id "+a.EnterpriseID)
		return nil, dErrors.New(dErrors.CodeForbidden, "token enterprise does not match attestation enterprise_id")
	}

	alg, err := signature.ParseAlgorithm(a.Signature.Alg)
	if err != nil {
		return nil, err
	}
	form, err := canonical.SigningForm(raw, "signature")
	if err != nil {
		return nil, coded(err, dErrors.CodeCanonicalization)
	}
	sig, err := base64.StdEncoding.DecodeString(a.Signature.Sig)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeSchemaInvalid, "signature.sig must be base64")
	}
	if !s.verifier.Verify(ctx, form, sig, a.Signature.KeyID, alg) {
		s.securityEvent(ctx, audit.EventSignatureRejected, a.Signature.KeyID, "attestation "+a.ID)
		return nil, dErrors.Newf(dErrors.CodeSignatureInvalid, "signature does not verify for key %q with %s", a.Signature.KeyID, alg)
	}

	hash, err := canonical.DigestHex(a.Evidence)
	if err != nil {
		return nil, coded(err, dErrors.CodeCanonicalization)
	}
	if hash != a.EvidenceHash {
		return nil, dErrors.New(dErrors.CodeSchemaInvalid, "evidence_hash does not match evidence")
	}
	return a, nil
}

func (s *Service) confirm(ctx context.Context, a *models.DeletionAttestation) (*Confirmation, error) {
	rec, err := s.records.Get(ctx, a.WarrantID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "warrant %s not found", a.WarrantID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load anchor record")
	}
	if rec.EnterpriseID != a.EnterpriseID {
		return nil, dErrors.New(dErrors.CodeSchemaInvalid, "attestation enterprise_id does not match the warrant")
	}

	switch rec.State {
	case models.StateReceipted:
		if rec.AttestationID != a.ID {
			return nil, dErrors.Newf(dErrors.CodeConflict, "warrant %s already has a receipt", rec.WarrantID)
		}
		s.metrics.IncIdempotentReplay()
		return s.loadConfirmation(ctx, rec)
	case models.StateAttested:
		if rec.AttestationID != a.ID {
			return nil, dErrors.Newf(dErrors.CodeConflict, "warrant %s is already attested by %s", rec.WarrantID, rec.AttestationID)
		}
	case models.StateAnchored:
	default:
		return nil, dErrors.Newf(dErrors.CodeConflict, "warrant %s is %s, not ANCHORED", rec.WarrantID, rec.State)
	}

	w, err := s.loadWarrant(ctx, rec.WarrantID)
	if err != nil {
		return nil, err
	}
	if err := checkAttestation(w, a); err != nil {
		s.metrics.IncRejection(string(dErrors.CodeOf(err)))
		return nil, err
	}
	return s.issue(ctx, rec, w, a)
}

// checkAttestation applies the rules that relate an attestation to its
// warrant.
func checkAttestation(w *models.Warrant, a *models.DeletionAttestation) error {
	if a.SubjectHandle != w.Subject.Handle {
		return dErrors.New(dErrors.CodeSchemaInvalid, "subject_handle does not match the warrant")
	}
	if !a.Evidence.Kind.Assurance().Satisfies(w.Policy.MinAssurance) {
		return dErrors.Newf(dErrors.CodeSchemaInvalid, "evidence below required assurance: %s provides %s, warrant requires %s",
			a.Evidence.Kind, a.Evidence.Kind.Assurance(), w.Policy.MinAssurance)
	}
	if !statusFits(w.Operation, a.Status) {
		return dErrors.Newf(dErrors.CodeSchemaInvalid, "status %s does not answer a %s warrant", a.Status, w.Operation)
	}
	return nil
}

func statusFits(op models.Operation, status models.AttestationStatus) bool {
	switch status {
	case models.StatusDeleted:
		return op == models.OperationDeletion
	case models.StatusSuppressed:
		return op == models.OperationSuppression || op == models.OperationRestriction
	}
	return true
}

// issue runs ANCHORED → ATTESTED → RECEIPTED. Each step is retried under the
// processing policy; exhausting it rejects the warrant with processing_failed.
func (s *Service) issue(ctx context.Context, rec *models.AnchorRecord, w *models.Warrant, a *models.DeletionAttestation) (*Confirmation, error) {
	now := requestcontext.Now(ctx)

	var attestation *models.DeletionAttestation
	var attestationDigest string
	err := s.withRetry(ctx, "attest", rec.WarrantID, func(ctx context.Context) error {
		var err error
		attestation, attestationDigest, err = s.controllerAttestation(ctx, a)
		return err
	})
	if err != nil {
		return s.failProcessing(ctx, rec, err)
	}

	if rec.State == models.StateAnchored {
		rec, err = s.update(ctx, rec, audit.EventAttestationRecorded, func(r *models.AnchorRecord) error {
			if r.State == models.StateAttested && r.AttestationID == a.ID {
				return nil
			}
			if err := r.Transition(models.StateAttested, now); err != nil {
				return err
			}
			r.AttestationID = a.ID
			return nil
		})
		if err != nil {
			return s.failProcessing(ctx, rec, err)
		}
		s.metrics.IncTransition(string(models.StateAttested))
	}

	var receipt *models.MaskReceipt
	err = s.withRetry(ctx, "receipt", rec.WarrantID, func(ctx context.Context) error {
		var err error
		receipt, err = s.issueReceipt(ctx, rec, w, attestation, attestationDigest, now)
		return err
	})
	if err != nil {
		return s.failProcessing(ctx, rec, err)
	}

	rec, err = s.update(ctx, rec, audit.EventReceiptIssued, func(r *models.AnchorRecord) error {
		if r.State == models.StateReceipted && r.ReceiptID == receipt.ID {
			return nil
		}
		if err := r.Transition(models.StateReceipted, now); err != nil {
			return err
		}
		r.ReceiptID = receipt.ID
		return nil
	})
	if err != nil {
		return s.failProcessing(ctx, rec, err)
	}
	s.metrics.IncTransition(string(models.StateReceipted))
	s.logger.InfoContext(ctx, "receipt issued",
		"warrant_id", rec.WarrantID,
		"attestation_id", a.ID,
		"receipt_id", receipt.ID,
		"status", string(receipt.Status),
	)

	s.deliver(ctx, rec, w, receipt)
	return &Confirmation{Record: rec, Attestation: attestation, Receipt: receipt}, nil
}

// failProcessing turns a failed issuance step into the caller's error. A
// record moved on by someone else is a conflict; anything else rejects the
// warrant.
func (s *Service) failProcessing(ctx context.Context, rec *models.AnchorRecord, err error) (*Confirmation, error) {
	switch {
	case dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		return nil, dErrors.Wrap(err, dErrors.CodeConflict, "warrant changed state during confirmation")
	case dErrors.HasCode(err, dErrors.CodeConflict):
		return nil, err
	}
	s.logger.ErrorContext(ctx, "warrant processing failed",
		"warrant_id", rec.WarrantID,
		"state", string(rec.State),
		"error", err,
	)
	rejected, rerr := s.reject(ctx, rec, dErrors.CodeProcessingFailed, err)
	return &Confirmation{Record: rejected}, rerr
}

func (s *Service) withRetry(ctx context.Context, step, warrantID string, fn func(ctx context.Context) error) error {
	_, err := s.processing.Do(ctx, classifyProcessing, func(ctx context.Context, _ int) error {
		return fn(ctx)
	}, s.retryNotify(ctx, step, warrantID))
	return err
}

// controllerAttestation returns the controller-signed copy of a, creating and
// archiving it on first use.
func (s *Service) controllerAttestation(ctx context.Context, a *models.DeletionAttestation) (*models.DeletionAttestation, string, error) {
	var existing models.DeletionAttestation
	digest, found, err := s.findDocument(ctx, store.KindAttestation, a.ID, &existing)
	if err != nil {
		return nil, "", err
	}
	if found {
		if existing.WarrantID != a.WarrantID {
			return nil, "", dErrors.Newf(dErrors.CodeConflict, "attestation id %s belongs to another warrant", a.ID)
		}
		return &existing, digest, nil
	}

	signed := *a
	signed.Signature = nil
	block, err := s.sign(ctx, signed)
	if err != nil {
		return nil, "", err
	}
	signed.Signature = block
	digest, err = s.archiveDocument(ctx, store.KindAttestation, signed.ID, signed.WarrantID, signed)
	if err != nil {
		return nil, "", err
	}
	return &signed, digest, nil
}

func (s *Service) issueReceipt(ctx context.Context, rec *models.AnchorRecord, w *models.Warrant, a *models.DeletionAttestation, attestationDigest string, now time.Time) (*models.MaskReceipt, error) {
	id := ReceiptID(rec.WarrantDigest, attestationDigest)

	var existing models.MaskReceipt
	_, found, err := s.findDocument(ctx, store.KindReceipt, id, &existing)
	if err != nil {
		return nil, err
	}
	if found {
		return &existing, nil
	}

	receipt := &models.MaskReceipt{
		ID:                id,
		WarrantID:         rec.WarrantID,
		WarrantDigest:     rec.WarrantDigest,
		AttestationDigest: attestationDigest,
		SubjectHandle:     a.SubjectHandle,
		Status:            a.Status,
		CompletedAt:       a.CompletedAt,
		EvidenceHash:      a.EvidenceHash,
		ControllerDIDHash: s.didHash,
		JurisdictionMask:  w.Jurisdiction.Bit(),
		EvidenceClassMask: a.Evidence.Kind.Class(),
		Epoch:             now.Unix(),
	}
	if res := s.validator.ValidateReceipt(receipt); !res.Valid {
		return nil, dErrors.Wrap(res.Err(), dErrors.CodeProcessingFailed, "derived receipt is invalid")
	}
	block, err := s.sign(ctx, receipt)
	if err != nil {
		return nil, err
	}
	receipt.Signature = block
	if _, err := s.archiveDocument(ctx, store.KindReceipt, receipt.ID, receipt.WarrantID, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// sign signs the canonical form of doc, which must not carry a signature.
func (s *Service) sign(ctx context.Context, doc any) (*models.SignatureBlock, error) {
	form, err := canonical.Canonicalize(doc)
	if err != nil {
		return nil, err
	}
	sig, alg, err := s.signer.Sign(ctx, s.cfg.SigningKeyID, form)
	if err != nil {
		return nil, err
	}
	return &models.SignatureBlock{
		Alg:   alg.String(),
		KeyID: s.cfg.SigningKeyID,
		Sig:   base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func (s *Service) archiveDocument(ctx context.Context, kind store.DocumentKind, id, warrantID string, doc any) (string, error) {
	body, err := canonical.Canonicalize(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	err = s.archive.Save(ctx, store.Document{
		Kind:      kind,
		ID:        id,
		WarrantID: warrantID,
		Digest:    digest,
		Body:      body,
		CreatedAt: requestcontext.Now(ctx),
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// findDocument decodes the archived document into dst. found is false when
// nothing is archived under (kind, id).
func (s *Service) findDocument(ctx context.Context, kind store.DocumentKind, id string, dst any) (digest string, found bool, err error) {
	doc, err := s.archive.Find(ctx, kind, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := json.Unmarshal(doc.Body, dst); err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeInternal, "archived "+string(kind)+" is unreadable")
	}
	return doc.Digest, true, nil
}

func (s *Service) loadWarrant(ctx context.Context, warrantID string) (*models.Warrant, error) {
	var w models.Warrant
	_, found, err := s.findDocument(ctx, store.KindWarrant, warrantID, &w)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load warrant")
	}
	if !found {
		return nil, dErrors.Newf(dErrors.CodeInternal, "warrant %s is not archived", warrantID)
	}
	return &w, nil
}

// loadConfirmation rebuilds the outcome of an earlier confirmation from the
// archive.
func (s *Service) loadConfirmation(ctx context.Context, rec *models.AnchorRecord) (*Confirmation, error) {
	var attestation models.DeletionAttestation
	var receipt models.MaskReceipt
	if _, found, err := s.findDocument(ctx, store.KindAttestation, rec.AttestationID, &attestation); err != nil || !found {
		return nil, dErrors.Wrap(errOrMissing(err), dErrors.CodeInternal, "failed to load attestation")
	}
	if _, found, err := s.findDocument(ctx, store.KindReceipt, rec.ReceiptID, &receipt); err != nil || !found {
		return nil, dErrors.Wrap(errOrMissing(err), dErrors.CodeInternal, "failed to load receipt")
	}
	return &Confirmation{Record: rec, Attestation: &attestation, Receipt: &receipt}, nil
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return sentinel.ErrNotFound
}

// deliver hands the receipt to the notifier. Failures are logged, never
// returned.
func (s *Service) deliver(ctx context.Context, rec *models.AnchorRecord, w *models.Warrant, receipt *models.MaskReceipt) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	err := s.notifier.Notify(ctx, notify.Notification{
		WarrantID:     rec.WarrantID,
		EnterpriseID:  rec.EnterpriseID,
		SubjectTag:    rec.SubjectTag,
		NotifySubject: w.Policy.NotifySubject,
		Receipt:       *receipt,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "receipt delivery failed",
			"warrant_id", rec.WarrantID,
			"receipt_id", receipt.ID,
			"error", err,
		)
		return
	}
	s.track(ctx, audit.EventReceiptDelivered, rec.WarrantID)
}
