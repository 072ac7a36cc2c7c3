// Package security buffers security audit events and flushes them to the
// audit store in the background. Emit never blocks the request path; under
// sustained store failure the oldest events are dropped.
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "maskgate/pkg/platform/audit"
)

const defaultBatchSize = 100

type Publisher struct {
	store         audit.Store
	buffer        *RingBuffer
	flushInterval time.Duration
	logger        *slog.Logger

	flush     chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type Option func(*Publisher)

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(n)
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// New starts the background flusher. Call Close to drain and stop it.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:         store,
		buffer:        NewRingBuffer(0),
		flushInterval: time.Second,
		logger:        slog.Default(),
		flush:         make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Emit buffers event for asynchronous persistence.
func (p *Publisher) Emit(_ context.Context, event audit.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityWarning
	}
	p.buffer.Enqueue(event)
	if p.buffer.Len() >= defaultBatchSize {
		select {
		case p.flush <- struct{}{}:
		default:
		}
	}
}

// Close flushes buffered events and stops the background loop.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	<-p.stopped
	return nil
}

// Dropped reports events lost to buffer overflow.
func (p *Publisher) Dropped() int64 {
	return p.buffer.Dropped()
}

func (p *Publisher) run() {
	defer close(p.stopped)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			p.drain(context.Background())
			return
		case <-ticker.C:
			p.drain(context.Background())
		case <-p.flush:
			p.drain(context.Background())
		}
	}
}

// drain persists buffered events. On the first failure the rest of the
// batch goes back into the buffer for the next tick.
func (p *Publisher) drain(ctx context.Context) {
	for {
		batch := p.buffer.DequeueBatch(defaultBatchSize)
		if len(batch) == 0 {
			return
		}
		for i, event := range batch {
			e := event.ToEvent()
			e.ID = uuid.NewString()
			if err := p.store.Append(ctx, e); err != nil {
				p.logger.WarnContext(ctx, "security audit flush failed",
					"pending", len(batch)-i,
					"error", err,
				)
				for _, rest := range batch[i:] {
					p.buffer.Enqueue(rest)
				}
				return
			}
		}
	}
}
