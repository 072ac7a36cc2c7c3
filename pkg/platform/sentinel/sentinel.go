package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, the ledger client and the
// key ring return these (optionally wrapped); services translate them into
// coded domain errors.
//
//   - ErrNotFound: record, key or ledger entry does not exist
//   - ErrConflict: compare-and-swap lost, or a uniqueness rule was hit
//   - ErrExpired: a time window closed before the work could run
//   - ErrInvalidState: record is in the wrong state for the operation
//   - ErrUnavailable: dependency temporarily unreachable (retryable)
//   - ErrTimeout: call outcome unknown because the deadline passed
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrTimeout      = errors.New("timeout")
)
