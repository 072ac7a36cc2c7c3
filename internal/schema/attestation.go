package schema

import (
	"fmt"

	"maskgate/internal/warrant/models"
)

func indexed(list string, i int, field string) string {
	return fmt.Sprintf("%s[%d].%s", list, i, field)
}

// ParseAttestation decodes and validates an attestation document.
func (v *Validator) ParseAttestation(raw []byte) (*models.DeletionAttestation, Result) {
	var a models.DeletionAttestation
	if res := Decode(raw, &a); !res.Valid {
		return nil, res
	}
	if res := v.ValidateAttestation(&a); !res.Valid {
		return nil, res
	}
	return &a, OK()
}

// ValidateAttestation checks a decoded attestation, including the shape of
// its typed evidence. The evidence hash is only format-checked here; the
// processor recomputes it.
func (v *Validator) ValidateAttestation(a *models.DeletionAttestation) Result {
	if a == nil {
		return Invalid("attestation is required")
	}
	c := &checker{}

	c.identifier("attestation_id", a.ID)
	c.identifier("warrant_id", a.WarrantID)
	c.identifier("enterprise_id", a.EnterpriseID)
	c.hex64("subject_handle", a.SubjectHandle)
	c.rule(a.Status.IsValid(), "status %q is not one of deleted, suppressed, not_found, rejected", a.Status)
	c.timestamp("completed_at", a.CompletedAt)
	c.hex64("evidence_hash", a.EvidenceHash)
	if a.Status == models.StatusRejected {
		c.rule(a.DenialReason != "", "denial_reason is required when status is rejected")
	}
	c.rule(len(a.DenialReason) <= maxDenialLength, "denial_reason exceeds %d characters", maxDenialLength)
	c.hex64("controller_policy_digest", a.ControllerPolicyDigest)

	c.evidence(a.Evidence)
	c.signatureBlock(a.Signature)

	return c.result()
}

func (c *checker) evidence(e models.Evidence) {
	c.rule(e.Kind.IsValid(), "evidence.kind %q is not supported", e.Kind)
	populated := e.Populated()
	c.rule(len(populated) == 1, "evidence must carry exactly one evidence member")
	if c.failed() {
		return
	}
	c.rule(populated[0] == e.Kind, "evidence.kind %q does not match the populated member %q", e.Kind, populated[0])
	if c.failed() {
		return
	}

	switch e.Kind {
	case models.EvidenceTEEQuote:
		q := e.TEEQuote
		c.rule(q.Vendor != "", "evidence.tee_quote.vendor is required")
		c.rule(q.Quote != "", "evidence.tee_quote.quote is required")
		c.hex64("evidence.tee_quote.measurement_hash", q.MeasurementHash)
	case models.EvidenceAccessLog:
		l := e.AccessLog
		c.hex64("evidence.access_log.log_digest", l.LogDigest)
		c.rule(l.Entries >= 0, "evidence.access_log.entries must not be negative")
		from := c.timestamp("evidence.access_log.from", l.From)
		to := c.timestamp("evidence.access_log.to", l.To)
		if !c.failed() {
			c.rule(!to.Before(from), "evidence.access_log.to must not be before from")
		}
	case models.EvidenceKeyDestruction:
		k := e.KeyDestruction
		c.rule(k.KeyID != "", "evidence.key_destruction.key_id is required")
		c.timestamp("evidence.key_destruction.destroyed_at", k.DestroyedAt)
		c.hex64("evidence.key_destruction.proof_hash", k.ProofHash)
	case models.EvidenceDomainSignature:
		d := e.DomainSignature
		c.rule(d.Domain != "", "evidence.domain_signature.domain is required")
		c.rule(d.KeyID != "", "evidence.domain_signature.kid is required")
		c.rule(d.Signature != "", "evidence.domain_signature.signature is required")
	}
}

// ValidateReceipt checks a receipt before it is signed or published.
func (v *Validator) ValidateReceipt(r *models.MaskReceipt) Result {
	if r == nil {
		return Invalid("receipt is required")
	}
	c := &checker{}

	c.identifier("receipt_id", r.ID)
	c.identifier("warrant_id", r.WarrantID)
	c.hex64("warrant_digest", r.WarrantDigest)
	c.hex64("attestation_digest", r.AttestationDigest)
	c.hex64("subject_handle", r.SubjectHandle)
	c.rule(r.Status.IsValid(), "status %q is not supported", r.Status)
	c.timestamp("completed_at", r.CompletedAt)
	c.hex64("evidence_hash", r.EvidenceHash)
	c.hex64("controller_did_hash", r.ControllerDIDHash)
	c.rule(r.JurisdictionMask != 0, "jurisdiction_mask must not be empty")
	c.rule(r.EvidenceClassMask != 0, "evidence_class_mask must not be empty")
	c.rule(r.Epoch > 0, "epoch must be a positive epoch second")

	return c.result()
}
