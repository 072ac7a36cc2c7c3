package models

import (
	"time"

	dErrors "maskgate/pkg/domain-errors"
)

// AnchorRecord is the processor's bookkeeping for one warrant id. It backs
// status queries and makes anchoring idempotent across retries and restarts.
//
// Invariants:
//   - one record per warrant id; JTI is fixed by the first submission
//   - State only moves forward (see State.CanTransitionTo)
//   - TransactionReference is set exactly when State has reached ANCHORED
//   - Version increments on every write; stores use it for compare-and-swap
type AnchorRecord struct {
	WarrantID            string    `json:"warrantId"`
	JTI                  string    `json:"jti"`
	EnterpriseID         string    `json:"enterpriseId"`
	State                State     `json:"state"`
	TransactionReference string    `json:"transactionReference,omitempty"`
	BlockNumber          uint64    `json:"blockNumber,omitempty"`
	RetryCount           int       `json:"retryCount"`
	LastError            string    `json:"lastError,omitempty"`
	WarrantDigest        string    `json:"warrantDigest,omitempty"`
	SubjectTag           string    `json:"subjectTag,omitempty"`
	AttestationID        string    `json:"attestationId,omitempty"`
	ReceiptID            string    `json:"receiptId,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
	Version              int64     `json:"-"`
}

// NewAnchorRecord starts a record in RECEIVED.
func NewAnchorRecord(warrantID, jti, enterpriseID string, now time.Time) *AnchorRecord {
	return &AnchorRecord{
		WarrantID:    warrantID,
		JTI:          jti,
		EnterpriseID: enterpriseID,
		State:        StateReceived,
		UpdatedAt:    now,
	}
}

// IdempotencyKey is warrant id + jti.
func (r *AnchorRecord) IdempotencyKey() string {
	return IdempotencyKey(r.WarrantID, r.JTI)
}

// Clone returns an independent copy.
func (r *AnchorRecord) Clone() *AnchorRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Transition moves the record to next, clearing LastError on forward moves.
func (r *AnchorRecord) Transition(next State, now time.Time) error {
	if !r.State.CanTransitionTo(next) {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot move warrant %s from %s to %s", r.WarrantID, r.State, next)
	}
	r.State = next
	r.UpdatedAt = now
	if next != StateRejected {
		r.LastError = ""
	}
	return nil
}

// Reject moves the record to REJECTED with a machine-readable reason.
// Rejecting an already rejected record keeps the first reason.
func (r *AnchorRecord) Reject(reason string, now time.Time) error {
	if r.State == StateRejected {
		return nil
	}
	if err := r.Transition(StateRejected, now); err != nil {
		return err
	}
	r.LastError = reason
	return nil
}

// ApplyAnchor records the ledger outcome and moves to ANCHORED.
func (r *AnchorRecord) ApplyAnchor(txRef string, block uint64, now time.Time) error {
	if err := r.Transition(StateAnchored, now); err != nil {
		return err
	}
	r.TransactionReference = txRef
	r.BlockNumber = block
	return nil
}

// IsAnchored reports whether the ledger write is known to have happened.
func (r *AnchorRecord) IsAnchored() bool {
	switch r.State {
	case StateAnchored, StateAttested, StateReceipted:
		return true
	}
	return false
}
