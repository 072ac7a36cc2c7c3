package models

// MaskReceipt is the compact anchorable summary of a warrant and its
// attestation. Digests are SHA-256 over canonical source documents, so
// recomputing them from the same sources reproduces the same values.
type MaskReceipt struct {
	ID                string            `json:"receipt_id"`
	WarrantID         string            `json:"warrant_id"`
	WarrantDigest     string            `json:"warrant_digest"`
	AttestationDigest string            `json:"attestation_digest"`
	SubjectHandle     string            `json:"subject_handle"`
	Status            AttestationStatus `json:"status"`
	CompletedAt       string            `json:"completed_at"`
	EvidenceHash      string            `json:"evidence_hash"`
	ControllerDIDHash string            `json:"controller_did_hash"`
	JurisdictionMask  uint32            `json:"jurisdiction_mask"`
	EvidenceClassMask uint32            `json:"evidence_class_mask"`
	Epoch             int64             `json:"epoch"`
	Signature         *SignatureBlock   `json:"signature,omitempty"`
}
