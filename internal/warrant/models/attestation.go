package models

// TEEQuoteEvidence is a hardware-attested execution quote.
type TEEQuoteEvidence struct {
	Vendor          string `json:"vendor"`
	Quote           string `json:"quote"`
	MeasurementHash string `json:"measurement_hash"`
}

// AccessLogEvidence is a digest over the access log covering the action.
type AccessLogEvidence struct {
	LogDigest string `json:"log_digest"`
	Entries   int64  `json:"entries"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// KeyDestructionEvidence proves the key encrypting the subject's data was
// destroyed (crypto-shredding).
type KeyDestructionEvidence struct {
	KeyID       string `json:"key_id"`
	DestroyedAt string `json:"destroyed_at"`
	ProofHash   string `json:"proof_hash"`
}

// DomainSignatureEvidence is a statement signed by the enforcer's domain key.
type DomainSignatureEvidence struct {
	Domain    string `json:"domain"`
	KeyID     string `json:"kid"`
	Signature string `json:"signature"`
}

// Evidence is a tagged union: Kind names the one populated member.
type Evidence struct {
	Kind            EvidenceKind             `json:"kind"`
	TEEQuote        *TEEQuoteEvidence        `json:"tee_quote,omitempty"`
	AccessLog       *AccessLogEvidence       `json:"access_log,omitempty"`
	KeyDestruction  *KeyDestructionEvidence  `json:"key_destruction,omitempty"`
	DomainSignature *DomainSignatureEvidence `json:"domain_signature,omitempty"`
}

// Populated returns the kinds whose member is set.
func (e Evidence) Populated() []EvidenceKind {
	var kinds []EvidenceKind
	if e.TEEQuote != nil {
		kinds = append(kinds, EvidenceTEEQuote)
	}
	if e.AccessLog != nil {
		kinds = append(kinds, EvidenceAccessLog)
	}
	if e.KeyDestruction != nil {
		kinds = append(kinds, EvidenceKeyDestruction)
	}
	if e.DomainSignature != nil {
		kinds = append(kinds, EvidenceDomainSignature)
	}
	return kinds
}

// DeletionAttestation is a signed claim that a warrant's action completed,
// or could not be.
//
// Invariants:
//   - Status == rejected requires DenialReason
//   - EvidenceHash is the SHA-256 of the canonical Evidence
//   - references exactly one warrant; immutable once signed
type DeletionAttestation struct {
	ID                     string            `json:"attestation_id"`
	WarrantID              string            `json:"warrant_id"`
	EnterpriseID           string            `json:"enterprise_id"`
	SubjectHandle          string            `json:"subject_handle"`
	Status                 AttestationStatus `json:"status"`
	CompletedAt            string            `json:"completed_at"`
	EvidenceHash           string            `json:"evidence_hash"`
	DenialReason           string            `json:"denial_reason,omitempty"`
	ControllerPolicyDigest string            `json:"controller_policy_digest"`
	Evidence               Evidence          `json:"evidence"`
	Signature              *SignatureBlock   `json:"signature,omitempty"`
}
