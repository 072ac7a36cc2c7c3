// Package ledger provides anchor.Ledger implementations: an in-memory
// ledger with strict per-account sequencing for development and tests, and
// an HTTP client for a ledger relay service.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"maskgate/internal/anchor"
	"maskgate/pkg/platform/sentinel"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Fault is an injected failure for the next Submit call. When Commit is
// set the write is applied before Err is returned, which models a call that
// succeeded on the ledger but timed out for the caller.
type Fault struct {
	Err    error
	Commit bool
}

// Write is one committed anchor.
type Write struct {
	Key     string
	Request anchor.Request
	Receipt anchor.Receipt
}

// Memory is an in-process ledger. Every account starts at sequence 0 and
// each write must use exactly the next sequence number.
type Memory struct {
	mu        sync.Mutex
	sequences map[string]uint64
	byKey     map[string]anchor.Receipt
	writes    []Write
	block     uint64
	faults    []Fault
	latency   time.Duration
	now       func() time.Time
}

type MemoryOption func(*Memory)

// WithLatency delays every Submit, honouring context cancellation.
func WithLatency(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.latency = d
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sequences: make(map[string]uint64),
		byKey:     make(map[string]anchor.Receipt),
		block:     1,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InjectFaults queues failures consumed by subsequent Submit calls.
func (m *Memory) InjectFaults(faults ...Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, faults...)
}

// Writes returns every committed write in order.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

func (m *Memory) Submit(ctx context.Context, account string, seq uint64, key string, req anchor.Request) (anchor.Receipt, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return anchor.Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return anchor.Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var fault *Fault
	if len(m.faults) > 0 {
		f := m.faults[0]
		m.faults = m.faults[1:]
		fault = &f
		if !f.Commit {
			return anchor.Receipt{}, f.Err
		}
	}

	if err := validate(req); err != nil {
		return anchor.Receipt{}, err
	}
	if _, dup := m.byKey[key]; dup {
		return anchor.Receipt{}, fmt.Errorf("key %s already anchored: %w", key, anchor.ErrRejected)
	}
	if want := m.sequences[account]; seq != want {
		return anchor.Receipt{}, fmt.Errorf("account %s expected sequence %d, got %d: %w", account, want, seq, anchor.ErrSequence)
	}

	m.sequences[account] = seq + 1
	m.block++
	rec := anchor.Receipt{
		TransactionHash: txHash(account, seq, key),
		BlockNumber:     m.block,
		Account:         account,
		Sequence:        seq,
		Key:             key,
		WarrantDigest:   req.WarrantDigest,
	}
	m.byKey[key] = rec
	m.writes = append(m.writes, Write{Key: key, Request: req, Receipt: rec})

	if fault != nil {
		return anchor.Receipt{}, fault.Err
	}
	return rec, nil
}

func (m *Memory) Lookup(ctx context.Context, key string) (anchor.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return anchor.Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byKey[key]
	if !ok {
		return anchor.Receipt{}, fmt.Errorf("anchor %s: %w", key, sentinel.ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) NextSequence(ctx context.Context, account string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[account], nil
}

func validate(req anchor.Request) error {
	switch {
	case !hex64.MatchString(req.WarrantDigest):
		return fmt.Errorf("malformed warrant digest: %w", anchor.ErrRejected)
	case !hex64.MatchString(req.SubjectTag):
		return fmt.Errorf("malformed subject tag: %w", anchor.ErrRejected)
	case !hex64.MatchString(req.ControllerDIDHash):
		return fmt.Errorf("malformed controller DID hash: %w", anchor.ErrRejected)
	case req.Assurance < 1 || req.Assurance > 5:
		return fmt.Errorf("assurance level %d out of range: %w", req.Assurance, anchor.ErrRejected)
	}
	return nil
}

func txHash(account string, seq uint64, key string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(account))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	h.Write(b[:])
	h.Write([]byte(key))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
