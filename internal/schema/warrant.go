package schema

import (
	"maskgate/internal/warrant/models"
)

// ParseWarrant decodes and validates a warrant document.
func (v *Validator) ParseWarrant(raw []byte) (*models.Warrant, Result) {
	var w models.Warrant
	if res := Decode(raw, &w); !res.Valid {
		return nil, res
	}
	if res := v.ValidateWarrant(&w); !res.Valid {
		return nil, res
	}
	return &w, OK()
}

// ValidateWarrant checks a decoded warrant. Checks run in document order.
func (v *Validator) ValidateWarrant(w *models.Warrant) Result {
	c := &checker{}
	if w == nil {
		return Invalid("warrant is required")
	}

	c.identifier("id", w.ID)
	c.identifier("enterprise_id", w.EnterpriseID)
	c.rule(w.Operation.IsValid(), "operation %q is not one of deletion, suppression, restriction", w.Operation)

	c.hex64("subject.handle", w.Subject.Handle)
	c.rule(len(w.Subject.Anchors) > 0, "subject.anchors must contain at least one anchor")
	c.rule(len(w.Subject.Anchors) <= maxAnchors, "subject.anchors exceeds %d entries", maxAnchors)
	for i, a := range w.Subject.Anchors {
		c.rule(namespacePattern.MatchString(a.Namespace), "subject.anchors[%d].namespace is invalid", i)
		c.hex64(indexed("subject.anchors", i, "hash"), a.Hash)
	}
	if w.Subject.Tag != "" {
		c.hex64("subject.tag", w.Subject.Tag)
	}

	c.rule(len(w.Scope) > 0, "scope must contain at least one entry")
	seen := make(map[models.Scope]bool, len(w.Scope))
	for i, s := range w.Scope {
		c.rule(s.IsValid(), "scope[%d] %q is not a supported scope", i, s)
		c.rule(!seen[s], "scope[%d] %q is duplicated", i, s)
		seen[s] = true
		if s.IsValid() && w.Operation.IsValid() {
			c.rule(s.Operation() == w.Operation, "scope %q is not compatible with operation %q", s, w.Operation)
		}
	}

	c.rule(w.Jurisdiction.IsValid(), "jurisdiction %q is not supported", w.Jurisdiction)
	c.rule(w.LegalBasis != "", "legal_basis is required")
	c.rule(len(w.LegalBasis) <= maxLegalBasisLength, "legal_basis exceeds %d characters", maxLegalBasisLength)

	issued := c.timestamp("issued_at", w.IssuedAt)
	expires := c.timestamp("expires_at", w.ExpiresAt)
	if !c.failed() {
		c.rule(issued.Before(expires), "issued_at must be before expires_at")
	}

	c.rule(len(w.Nonce) >= minNonceLength && len(w.Nonce) <= maxNonceLength,
		"nonce must be between %d and %d characters", minNonceLength, maxNonceLength)
	c.rule(w.Audience != "", "aud is required")
	c.rule(len(w.Audience) <= maxAudienceLength, "aud exceeds %d characters", maxAudienceLength)
	if v.audience != "" {
		c.rule(w.Audience == v.audience, "aud %q is not accepted by this controller", w.Audience)
	}
	c.identifier("jti", w.JTI)

	c.rule(w.NotBefore > 0, "nbf must be a positive epoch second")
	c.rule(w.Expiry > 0, "exp must be a positive epoch second")
	c.rule(w.NotBefore <= w.Expiry, "nbf must not be after exp")
	c.rule(w.SLASeconds > 0 && w.SLASeconds <= maxSLASeconds, "sla_seconds must be between 1 and %d", maxSLASeconds)

	if w.Policy.MinAssurance != "" {
		c.rule(w.Policy.MinAssurance.IsValid(), "policy.min_assurance %q is not a known assurance level", w.Policy.MinAssurance)
	}
	c.signatureBlock(w.Signature)

	return c.result()
}
