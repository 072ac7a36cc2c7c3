package handler

import (
	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/service"
)

// AnchoredResponse is the data of a successful POST /warrants.
type AnchoredResponse struct {
	WarrantID            string       `json:"warrantId"`
	State                models.State `json:"state"`
	TransactionReference string       `json:"transactionReference"`
	BlockNumber          uint64       `json:"blockNumber"`
}

// StateResponse is the data of a failed request that reached a record.
type StateResponse struct {
	WarrantID  string       `json:"warrantId,omitempty"`
	State      models.State `json:"state"`
	RetryCount int          `json:"retryCount,omitempty"`
}

// ReceiptedResponse is the data of a successful POST /attestations.
type ReceiptedResponse struct {
	WarrantID   string                      `json:"warrantId"`
	State       models.State                `json:"state"`
	Receipt     *models.MaskReceipt         `json:"receipt"`
	Attestation *models.DeletionAttestation `json:"attestation"`
}

// FromAnchoredRecord converts an anchored record to its response.
func FromAnchoredRecord(rec *models.AnchorRecord) *AnchoredResponse {
	return &AnchoredResponse{
		WarrantID:            rec.WarrantID,
		State:                rec.State,
		TransactionReference: rec.TransactionReference,
		BlockNumber:          rec.BlockNumber,
	}
}

// FromConfirmation converts a confirmation to its response.
func FromConfirmation(c *service.Confirmation) *ReceiptedResponse {
	return &ReceiptedResponse{
		WarrantID:   c.Record.WarrantID,
		State:       c.Record.State,
		Receipt:     c.Receipt,
		Attestation: c.Attestation,
	}
}

// stateData reports the state a failed request left. Requests that never
// produced a record are reported as REJECTED.
func stateData(rec *models.AnchorRecord) *StateResponse {
	if rec == nil {
		return &StateResponse{State: models.StateRejected}
	}
	return &StateResponse{WarrantID: rec.WarrantID, State: rec.State, RetryCount: rec.RetryCount}
}
