// Package ops provides a fire-and-forget tracker for operational audit
// events. Events are sampled, and dropped entirely while the audit store
// is failing.
package ops

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	audit "maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/circuit"
)

type Tracker struct {
	store   audit.Store
	sampler *Sampler
	breaker *circuit.Breaker
	metrics *Metrics
	logger  *slog.Logger
}

type Option func(*Tracker)

func WithSampler(s *Sampler) Option {
	return func(t *Tracker) {
		t.sampler = s
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(t *Tracker) {
		t.breaker = b
	}
}

func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// New creates a tracker that keeps every event unless a sampler is set.
func New(store audit.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		sampler: NewSampler(1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.breaker == nil {
		t.breaker = circuit.New("audit-ops", circuit.WithCooldown(time.Minute))
	}
	return t
}

// Track persists event if sampled. It never returns an error; failures are
// counted and logged.
func (t *Tracker) Track(ctx context.Context, event audit.OpsEvent) {
	if t == nil || t.store == nil {
		return
	}
	if !t.sampler.ShouldSample(event.Action) {
		t.metrics.IncSampled()
		return
	}
	if !t.breaker.Allow() {
		t.metrics.IncCircuitBreakerDropped()
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e := event.ToEvent()
	e.ID = uuid.NewString()

	if err := t.store.Append(ctx, e); err != nil {
		t.metrics.IncPersistFailures()
		if _, change := t.breaker.RecordFailure(); change.Opened {
			t.metrics.SetCircuitBreakerState(true)
			t.logger.WarnContext(ctx, "ops audit store breaker opened", "error", err)
		}
		return
	}
	if _, change := t.breaker.RecordSuccess(); change.Closed {
		t.metrics.SetCircuitBreakerState(false)
	}
	t.metrics.IncTracked()
}
