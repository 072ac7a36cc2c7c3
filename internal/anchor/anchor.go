// Package anchor commits warrant digests to an external append-only ledger.
//
// Writes from one signing account carry a strictly increasing sequence
// number, so the Gateway funnels every submission for an account through a
// single worker goroutine: one in-flight ledger call per account at a time.
// Idempotency keys are resolved against the ledger before any write, and a
// call that times out is treated as an unknown outcome and looked up before
// it is retried.
package anchor

import (
	"context"
	"errors"
)

var (
	// ErrRejected is a permanent ledger refusal (malformed payload, policy
	// violation). It is never retried.
	ErrRejected = errors.New("ledger rejected anchor")

	// ErrSequence reports an out-of-order account sequence. The gateway
	// resynchronises the account and retries.
	ErrSequence = errors.New("account sequence mismatch")

	// ErrCircuitOpen is returned without calling the ledger while the
	// breaker is open.
	ErrCircuitOpen = errors.New("ledger circuit open")

	// ErrClosed is returned once the gateway has been shut down.
	ErrClosed = errors.New("anchor gateway closed")

	// ErrKeyConflict reports a key already committed for a different
	// warrant digest. It is never retried.
	ErrKeyConflict = errors.New("idempotency key committed with a different digest")
)

// Request is the payload committed to the ledger. Hashes are 64 lowercase
// hex characters.
type Request struct {
	WarrantDigest     string `json:"warrantDigest"`
	SubjectTag        string `json:"subjectTag"`
	ControllerDIDHash string `json:"controllerDidHash"`
	Assurance         uint8  `json:"assuranceLevel"`
}

// Receipt is a confirmed ledger write.
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	Account         string `json:"account"`
	Sequence        uint64 `json:"sequence"`
	Key             string `json:"key"`
	// WarrantDigest is the digest committed under Key. Empty when the ledger
	// does not report it.
	WarrantDigest string `json:"warrantDigest,omitempty"`
	// Attempts is the number of Submit calls this gateway made; zero when
	// the key was already committed.
	Attempts int `json:"-"`
}

// Ledger is the external registry.
//
// Submit writes req under key using the account's sequence number seq and
// returns once the write is confirmed. Implementations return ErrRejected
// for permanent refusals, ErrSequence when seq is not the next expected
// value, and sentinel.ErrTimeout or a context error when the outcome is
// unknown.
//
// Lookup returns the committed write for key, or sentinel.ErrNotFound.
//
// NextSequence returns the sequence number the account must use next.
type Ledger interface {
	Submit(ctx context.Context, account string, seq uint64, key string, req Request) (Receipt, error)
	Lookup(ctx context.Context, key string) (Receipt, error)
	NextSequence(ctx context.Context, account string) (uint64, error)
}
