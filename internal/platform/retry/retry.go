// Package retry runs an operation under a bounded exponential backoff policy.
// Errors are classified per attempt: transient errors are retried until the
// attempt budget is spent, permanent errors stop immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is the retry disposition of an error.
type Class int

const (
	Transient Class = iota
	Permanent
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) Class

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay
	Jitter      float64       // randomization factor in [0,1]
}

// LedgerPolicy is the default for external ledger submissions.
func LedgerPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
}

// ProcessingPolicy is the default for attestation/receipt construction.
func ProcessingPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}
}

// Notify is called after a failed attempt that will be retried.
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error, the budget is
// exhausted, or ctx is done. It returns the number of attempts made and the
// last error. The attempt index passed to op starts at 0.
func (p Policy) Do(ctx context.Context, classify Classifier, op func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	if classify == nil {
		classify = func(error) Class { return Transient }
	}
	attempts := 0
	operation := func() error {
		err := op(ctx, attempts)
		attempts++
		if err == nil {
			return nil
		}
		if classify(err) == Permanent {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	}
	err := backoff.RetryNotify(operation, p.backOff(ctx), onRetry)
	return attempts, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.RandomizationFactor = clamp(p.Jitter)
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max-1)), ctx)
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
