package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"maskgate/internal/anchor"
	"maskgate/internal/canonical"
	"maskgate/internal/schema"
	"maskgate/internal/signature"
	"maskgate/internal/subjecttag"
	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/store"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/sentinel"
	"maskgate/pkg/requestcontext"
)

// verifiedWarrant is a warrant that passed schema, signature, validity window
// and subject tag checks.
type verifiedWarrant struct {
	warrant   *models.Warrant
	form      []byte
	canonical []byte
	digest    string
	tag       string
}

// Submit verifies raw and anchors it. The returned record reflects the state
// reached; it is REJECTED (or nil when the document could not be attributed
// to a warrant id) whenever the error is a rejection.
//
// Resubmitting a warrant with the same jti never writes to the ledger twice:
// an anchored warrant short-circuits to its stored record.
func (s *Service) Submit(ctx context.Context, raw []byte) (*models.AnchorRecord, error) {
	start := time.Now()
	defer s.metrics.ObserveSubmit(start)

	ctx, span := s.tracer.Start(ctx, "warrant.Submit")
	defer span.End()

	v, err := s.verify(ctx, raw)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeExpired) {
			if rec := s.anchoredReplay(ctx, v.warrant); rec != nil {
				return rec, nil
			}
			if rec, settled, serr := s.settleExpired(ctx, raw, v.warrant, err); settled {
				if serr != nil {
					span.SetStatus(codes.Error, string(dErrors.CodeOf(serr)))
				}
				return rec, serr
			}
		}
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return s.recordRejection(ctx, raw, v, err), err
	}
	span.SetAttributes(
		attribute.String("warrant.id", v.warrant.ID),
		attribute.String("warrant.jti", v.warrant.JTI),
	)

	if err := s.archiveWarrant(ctx, v); err != nil {
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}

	// Concurrent submissions of the same key share one claim-and-anchor pass.
	// The pass outlives any single caller's cancellation.
	key := v.warrant.IdempotencyKey()
	flightCtx := context.WithoutCancel(ctx)
	res, err, _ := s.flights.Do(key, func() (any, error) {
		return s.claimAndAnchor(flightCtx, v)
	})
	rec, _ := res.(*models.AnchorRecord)
	if err != nil {
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	return rec.Clone(), err
}

// verify runs the checks that need no stored state, cheapest first. The
// returned value carries the parsed warrant whenever parsing succeeded, even
// alongside an error.
func (s *Service) verify(ctx context.Context, raw []byte) (*verifiedWarrant, error) {
	w, res := s.validator.ParseWarrant(raw)
	if !res.Valid {
		return nil, res.Err()
	}
	v := &verifiedWarrant{warrant: w}

	if caller := requestcontext.EnterpriseID(ctx); caller != "" && caller != w.EnterpriseID {
		s.securityEvent(ctx, audit.EventEnterpriseMismatch, caller, "warrant enterprise_id "+w.EnterpriseID)
		return v, dErrors.New(dErrors.CodeForbidden, "token enterprise does not match warrant enterprise_id")
	}

	alg, err := signature.ParseAlgorithm(w.Signature.Alg)
	if err != nil {
		return v, err
	}
	v.form, err = canonical.SigningForm(raw, "signature")
	if err != nil {
		return v, coded(err, dErrors.CodeCanonicalization)
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature.Sig)
	if err != nil {
		return v, dErrors.New(dErrors.CodeSchemaInvalid, "signature.sig must be base64")
	}
	if !s.verifier.Verify(ctx, v.form, sig, w.Signature.KeyID, alg) {
		s.securityEvent(ctx, audit.EventSignatureRejected, w.Signature.KeyID, "warrant "+w.ID)
		return v, dErrors.Newf(dErrors.CodeSignatureInvalid, "signature does not verify for key %q with %s", w.Signature.KeyID, alg)
	}

	now := requestcontext.Now(ctx).Unix()
	if now < w.NotBefore {
		return v, dErrors.Newf(dErrors.CodeNotYetValid, "warrant is not valid before %d (now %d)", w.NotBefore, now)
	}
	if now > w.Expiry {
		return v, dErrors.Newf(dErrors.CodeExpired, "warrant expired at %d (now %d)", w.Expiry, now)
	}

	tag, err := subjecttag.Derive(s.cfg.TagKey, w.SubjectIdentifier(), w.EnterpriseID)
	if err != nil {
		return v, dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive subject tag")
	}
	v.tag = tag.String()
	if w.Subject.Tag != "" {
		ok, err := subjecttag.Verify(s.cfg.TagKey, w.SubjectIdentifier(), w.EnterpriseID, w.Subject.Tag)
		if err != nil || !ok {
			return v, dErrors.New(dErrors.CodeSubjectTagMismatch, "subject.tag does not match the derived subject tag")
		}
	}

	v.canonical, err = canonical.CanonicalizeJSON(raw)
	if err != nil {
		return v, coded(err, dErrors.CodeCanonicalization)
	}
	sum := sha256.Sum256(v.canonical)
	v.digest = hex.EncodeToString(sum[:])
	return v, nil
}

// anchoredReplay returns the stored record when w (same id and jti) was
// anchored before it expired.
func (s *Service) anchoredReplay(ctx context.Context, w *models.Warrant) *models.AnchorRecord {
	rec, err := s.records.Get(ctx, w.ID)
	if err != nil || rec.EnterpriseID != w.EnterpriseID || rec.JTI != w.JTI || !rec.IsAnchored() {
		return nil
	}
	s.metrics.IncIdempotentReplay()
	return rec
}

// settleExpired finishes a pending record left by an earlier pass over the
// same archived warrant once the warrant has expired: ANCHORED when the ledger holds
// its key, REJECTED as expired otherwise. It reports false when there is no
// such record, or when another pass still holds it.
func (s *Service) settleExpired(ctx context.Context, raw []byte, w *models.Warrant, cause error) (*models.AnchorRecord, bool, error) {
	rec, err := s.records.Get(ctx, w.ID)
	if err != nil || rec.JTI != w.JTI || rec.IsAnchored() || rec.State == models.StateRejected {
		return nil, false, nil
	}
	now := requestcontext.Now(ctx)
	if rec.LastError == "" && now.Sub(rec.UpdatedAt) < s.cfg.InFlightLease {
		return nil, false, nil
	}
	form, err := canonical.SigningForm(raw, "signature")
	if err != nil {
		return nil, false, nil
	}
	v := &verifiedWarrant{warrant: w, form: form}
	if !s.adoptArchived(ctx, v) || v.digest != rec.WarrantDigest {
		return nil, false, nil
	}

	receipt, found, err := s.anchors.Lookup(ctx, rec.IdempotencyKey(), rec.WarrantDigest)
	switch {
	case err != nil && !dErrors.HasCode(err, dErrors.CodeConflict):
		return rec, true, coded(err, dErrors.CodeLedgerTransient)
	case found:
		anchored, err := s.update(ctx, rec, audit.EventWarrantAnchored, func(r *models.AnchorRecord) error {
			r.LastError = ""
			return r.ApplyAnchor(receipt.TransactionHash, receipt.BlockNumber, now)
		})
		if err != nil {
			if anchored != nil && anchored.IsAnchored() {
				return anchored, true, nil
			}
			return anchored, true, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record anchor")
		}
		s.metrics.IncTransition(string(models.StateAnchored))
		s.logger.InfoContext(ctx, "expired warrant found anchored",
			"warrant_id", anchored.WarrantID,
			"jti", anchored.JTI,
			"transaction", anchored.TransactionReference,
		)
		return anchored, true, nil
	default:
		rejected, err := s.reject(ctx, rec, dErrors.CodeExpired, cause)
		return rejected, true, err
	}
}

// recordRejection stores a REJECTED record for a warrant that failed
// verification, when the document names a usable id owned by the caller and
// no record exists yet. It reports the stored record, or nil.
func (s *Service) recordRejection(ctx context.Context, raw []byte, v *verifiedWarrant, cause error) *models.AnchorRecord {
	code := dErrors.CodeOf(cause)
	s.metrics.IncRejection(string(code))
	switch code {
	case dErrors.CodeForbidden, dErrors.CodeInternal:
		return nil
	}

	var id, jti, enterpriseID, tag string
	if v != nil {
		id, jti, enterpriseID, tag = v.warrant.ID, v.warrant.JTI, v.warrant.EnterpriseID, v.tag
	} else {
		var peek struct {
			ID           string `json:"id"`
			JTI          string `json:"jti"`
			EnterpriseID string `json:"enterprise_id"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			return nil
		}
		id, jti, enterpriseID = peek.ID, peek.JTI, peek.EnterpriseID
	}
	if !schema.IsIdentifier(id) || !schema.IsIdentifier(enterpriseID) {
		return nil
	}
	if caller := requestcontext.EnterpriseID(ctx); caller != "" && caller != enterpriseID {
		return nil
	}

	now := requestcontext.Now(ctx)
	rec := models.NewAnchorRecord(id, jti, enterpriseID, now)
	rec.SubjectTag = tag
	if err := rec.Reject(string(code), now); err != nil {
		return nil
	}
	if err := s.save(ctx, 0, rec, s.complianceEvent(ctx, audit.EventWarrantRejected, rec)); err != nil {
		if !errors.Is(err, sentinel.ErrConflict) {
			s.logger.WarnContext(ctx, "failed to record warrant rejection",
				"warrant_id", id,
				"reason", string(code),
				"error", err,
			)
		}
		return nil
	}
	s.metrics.IncTransition(string(models.StateRejected))
	s.logger.InfoContext(ctx, "warrant rejected",
		"warrant_id", id,
		"jti", jti,
		"reason", string(code),
	)
	return rec
}

// archiveWarrant keeps the canonical warrant body. Archiving is idempotent;
// the same id with a different signing form is a conflict. A re-signed copy
// of an archived warrant adopts the archived body and digest.
func (s *Service) archiveWarrant(ctx context.Context, v *verifiedWarrant) error {
	err := s.archive.Save(ctx, store.Document{
		Kind:      store.KindWarrant,
		ID:        v.warrant.ID,
		WarrantID: v.warrant.ID,
		Digest:    v.digest,
		Body:      v.canonical,
		CreatedAt: requestcontext.Now(ctx),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrConflict):
		if s.adoptArchived(ctx, v) {
			return nil
		}
		return dErrors.Newf(dErrors.CodeConflict, "warrant id %s was already submitted with different content", v.warrant.ID)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to archive warrant")
	}
}

// adoptArchived reports whether the archived warrant under v's id differs
// from v only in its signature, and if so switches v to the archived body.
func (s *Service) adoptArchived(ctx context.Context, v *verifiedWarrant) bool {
	existing, err := s.archive.Find(ctx, store.KindWarrant, v.warrant.ID)
	if err != nil {
		return false
	}
	form, err := canonical.SigningForm(existing.Body, "signature")
	if err != nil || !bytes.Equal(form, v.form) {
		return false
	}
	v.canonical = existing.Body
	v.digest = existing.Digest
	return true
}

// claimAndAnchor takes ownership of the warrant's record and anchors it
// unless the record shows it already anchored.
func (s *Service) claimAndAnchor(ctx context.Context, v *verifiedWarrant) (*models.AnchorRecord, error) {
	rec, err := s.claim(ctx, v)
	if err != nil {
		return rec, err
	}
	if rec.IsAnchored() {
		s.metrics.IncIdempotentReplay()
		s.logger.InfoContext(ctx, "warrant already anchored",
			"warrant_id", rec.WarrantID,
			"jti", rec.JTI,
			"state", string(rec.State),
		)
		return rec, nil
	}
	return s.anchor(ctx, v, rec)
}

// claim resolves the warrant's record to one this caller may anchor, or to
// an already anchored record. Check-then-act is a compare-and-swap on the
// record version.
func (s *Service) claim(ctx context.Context, v *verifiedWarrant) (*models.AnchorRecord, error) {
	w := v.warrant
	now := requestcontext.Now(ctx)

	for range 3 {
		existing, err := s.records.Get(ctx, w.ID)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load anchor record")
		}

		var expected int64
		var rec *models.AnchorRecord
		switch {
		case existing == nil:
			rec = s.newRecord(v, now)
		case replaceable(existing, w.EnterpriseID):
			expected = existing.Version
			rec = s.newRecord(v, now)
		case existing.JTI != w.JTI:
			return existing, dErrors.Newf(dErrors.CodeConflict, "warrant id %s was already submitted with a different jti", w.ID)
		case existing.IsAnchored():
			return existing, nil
		case existing.State == models.StateRejected:
			return existing, coded(nil, dErrors.Code(existing.LastError))
		case existing.LastError == "" && now.Sub(existing.UpdatedAt) < s.cfg.InFlightLease:
			return existing, dErrors.Newf(dErrors.CodeConflict, "warrant %s is already being anchored", w.ID)
		default:
			// A failed or abandoned pass: take it over and let the gateway
			// resolve whatever the ledger already holds for the key.
			expected = existing.Version
			rec = existing.Clone()
			rec.LastError = ""
			rec.UpdatedAt = now
		}

		err = s.save(ctx, expected, rec, s.complianceEvent(ctx, audit.EventWarrantReceived, rec))
		if errors.Is(err, sentinel.ErrConflict) || (expected != 0 && errors.Is(err, sentinel.ErrNotFound)) {
			continue
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store anchor record")
		}
		if expected == 0 || existing.State != rec.State {
			s.metrics.IncTransition(string(models.StateSignatureValid))
		}
		return rec, nil
	}
	return nil, dErrors.Newf(dErrors.CodeConflict, "warrant %s is being updated concurrently", w.ID)
}

func (s *Service) newRecord(v *verifiedWarrant, now time.Time) *models.AnchorRecord {
	rec := models.NewAnchorRecord(v.warrant.ID, v.warrant.JTI, v.warrant.EnterpriseID, now)
	rec.WarrantDigest = v.digest
	rec.SubjectTag = v.tag
	// Verification already happened; the record enters at SIGNATURE_VALID.
	_ = rec.Transition(models.StateSchemaValid, now)
	_ = rec.Transition(models.StateSignatureValid, now)
	return rec
}

// anchor commits the warrant to the ledger. The pass is bounded by the
// warrant's expiry: if exp passes first the warrant is rejected as expired.
func (s *Service) anchor(ctx context.Context, v *verifiedWarrant, rec *models.AnchorRecord) (*models.AnchorRecord, error) {
	w := v.warrant
	now := requestcontext.Now(ctx)

	timeout := w.ExpiryTime().Add(time.Second).Sub(now)
	expiryBound := true
	if s.cfg.AnchorTimeout < timeout {
		timeout = s.cfg.AnchorTimeout
		expiryBound = false
	}
	anchorCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := s.anchors.IdempotentSubmit(anchorCtx, rec.IdempotencyKey(), anchor.Request{
		WarrantDigest:     rec.WarrantDigest,
		SubjectTag:        rec.SubjectTag,
		ControllerDIDHash: s.didHash,
		Assurance:         assuranceTier(w.Policy.MinAssurance),
	})
	// RetryCount counts failed ledger submits.
	failed := receipt.Attempts
	if err == nil && failed > 0 {
		failed--
	}

	switch {
	case err == nil:
		anchored, err := s.update(ctx, rec, audit.EventWarrantAnchored, func(r *models.AnchorRecord) error {
			r.RetryCount += failed
			return r.ApplyAnchor(receipt.TransactionHash, receipt.BlockNumber, now)
		})
		if err != nil {
			if anchored != nil && anchored.IsAnchored() {
				return anchored, nil
			}
			return s.reject(ctx, anchored, dErrors.CodeProcessingFailed, err)
		}
		s.metrics.IncTransition(string(models.StateAnchored))
		s.logger.InfoContext(ctx, "warrant anchored",
			"warrant_id", anchored.WarrantID,
			"jti", anchored.JTI,
			"transaction", anchored.TransactionReference,
			"block", anchored.BlockNumber,
		)
		return anchored, nil

	case dErrors.HasCode(err, dErrors.CodeLedgerPermanent), dErrors.HasCode(err, dErrors.CodeConflict):
		return s.reject(ctx, withRetries(rec, failed), dErrors.CodeLedgerPermanent, err)

	case expiryBound && (errors.Is(err, context.DeadlineExceeded) || anchorCtx.Err() != nil):
		return s.reject(ctx, withRetries(rec, failed), dErrors.CodeExpired,
			dErrors.Wrap(err, dErrors.CodeExpired, "warrant expired before it could be anchored"))

	default:
		// Not terminal: the ledger may still hold the write. A resubmission
		// takes the record over and resolves the key by lookup first.
		pending, uerr := s.update(ctx, rec, "", func(r *models.AnchorRecord) error {
			r.RetryCount += failed
			r.LastError = string(dErrors.CodeLedgerTransient)
			r.UpdatedAt = now
			return nil
		})
		if uerr != nil {
			s.logger.ErrorContext(ctx, "failed to record ledger failure",
				"warrant_id", rec.WarrantID,
				"error", uerr,
			)
		}
		s.logger.WarnContext(ctx, "ledger unavailable, warrant left pending",
			"warrant_id", rec.WarrantID,
			"jti", rec.JTI,
			"attempts", receipt.Attempts,
			"error", err,
		)
		return pending, coded(err, dErrors.CodeLedgerTransient)
	}
}

func withRetries(rec *models.AnchorRecord, failed int) *models.AnchorRecord {
	out := rec.Clone()
	out.RetryCount += failed
	return out
}

// assuranceTier is the tier committed on-chain. Warrants without a minimum
// anchor at the lowest tier.
func assuranceTier(level models.AssuranceLevel) uint8 {
	if t := level.Tier(); t > 0 {
		return t
	}
	return models.AssuranceEmail.Tier()
}
