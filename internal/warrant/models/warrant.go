package models

import (
	"strconv"
	"time"
)

// SignatureBlock carries a detached signature over a document's canonical
// form with the signature field itself removed. Sig is standard base64.
type SignatureBlock struct {
	Alg   string `json:"alg"`
	KeyID string `json:"kid"`
	Sig   string `json:"sig"`
}

// SubjectAnchor is a hashed identifier of the subject in one namespace
// (email, phone, customer id...). Hash is 64 lowercase hex characters.
type SubjectAnchor struct {
	Namespace string `json:"namespace"`
	Hash      string `json:"hash"`
}

// Subject describes who a warrant is about without naming them.
type Subject struct {
	Handle  string          `json:"handle"`
	Anchors []SubjectAnchor `json:"anchors"`
	Tag     string          `json:"tag,omitempty"`
}

// WarrantPolicy holds issuer policy flags.
type WarrantPolicy struct {
	MinAssurance  AssuranceLevel `json:"min_assurance"`
	NotifySubject bool           `json:"notify_subject,omitempty"`
}

// Warrant is a signed request to enforce a privacy action against data held
// about a subject.
//
// Invariants:
//   - IssuedAt < ExpiresAt (RFC3339 timestamps)
//   - NotBefore <= now <= Expiry when verified (epoch seconds)
//   - at least one scope and one subject anchor
//   - Subject.Handle and anchor hashes are 64 lowercase hex characters
//   - every scope belongs to Operation
//
// Warrants are never mutated once received; a superseding warrant is a new
// document with its own id.
type Warrant struct {
	ID           string          `json:"id"`
	EnterpriseID string          `json:"enterprise_id"`
	Operation    Operation       `json:"operation"`
	Subject      Subject         `json:"subject"`
	Scope        []Scope         `json:"scope"`
	Jurisdiction Jurisdiction    `json:"jurisdiction"`
	LegalBasis   string          `json:"legal_basis"`
	IssuedAt     string          `json:"issued_at"`
	ExpiresAt    string          `json:"expires_at"`
	Nonce        string          `json:"nonce"`
	Audience     string          `json:"aud"`
	JTI          string          `json:"jti"`
	NotBefore    int64           `json:"nbf"`
	Expiry       int64           `json:"exp"`
	SLASeconds   int64           `json:"sla_seconds"`
	Policy       WarrantPolicy   `json:"policy"`
	Signature    *SignatureBlock `json:"signature,omitempty"`
}

// ExpiryTime is exp as a time.
func (w *Warrant) ExpiryTime() time.Time {
	return time.Unix(w.Expiry, 0)
}

// NotBeforeTime is nbf as a time.
func (w *Warrant) NotBeforeTime() time.Time {
	return time.Unix(w.NotBefore, 0)
}

// IdempotencyKey is the anchoring idempotency key for this warrant.
func (w *Warrant) IdempotencyKey() string {
	return IdempotencyKey(w.ID, w.JTI)
}

// IdempotencyKey joins a warrant id and jti. The id is length-prefixed, so
// ids and jtis containing ':' cannot produce the same key.
func IdempotencyKey(warrantID, jti string) string {
	return strconv.Itoa(len(warrantID)) + ":" + warrantID + ":" + jti
}

// SubjectIdentifier is the input to subject tag derivation: the handle
// followed by each anchor as namespace=hash, in document order.
func (w *Warrant) SubjectIdentifier() string {
	out := w.Subject.Handle
	for _, a := range w.Subject.Anchors {
		out += "|" + a.Namespace + "=" + a.Hash
	}
	return out
}
