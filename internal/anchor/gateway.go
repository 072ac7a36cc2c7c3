package anchor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"maskgate/internal/platform/retry"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/circuit"
	"maskgate/pkg/platform/sentinel"
)

const defaultQueueSize = 256

// Gateway serialises ledger writes per signing account and makes them
// idempotent by key. Safe for concurrent use; call Close to stop workers.
type Gateway struct {
	ledger      Ledger
	accounts    []string
	policy      retry.Policy
	callTimeout time.Duration
	queueSize   int
	breaker     *circuit.Breaker
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer

	workers   map[string]*accountWorker
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Gateway)

// WithAccounts sets the signing accounts. Keys are spread across accounts
// by hash, so one key always lands on the same account.
func WithAccounts(accounts ...string) Option {
	return func(g *Gateway) {
		if len(accounts) > 0 {
			g.accounts = accounts
		}
	}
}

func WithPolicy(p retry.Policy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// WithCallTimeout bounds every individual ledger call.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(g *Gateway) {
		g.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = t
	}
}

// New starts one worker per account.
func New(ledger Ledger, opts ...Option) *Gateway {
	g := &Gateway{
		ledger:      ledger,
		accounts:    []string{"default"},
		policy:      retry.LedgerPolicy(),
		callTimeout: 10 * time.Second,
		queueSize:   defaultQueueSize,
		logger:      slog.Default(),
		tracer:      otel.Tracer("maskgate/anchor"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New("ledger")
	}

	g.workers = make(map[string]*accountWorker, len(g.accounts))
	for _, account := range g.accounts {
		w := &accountWorker{
			account: account,
			jobs:    make(chan *job, g.queueSize),
			stopped: make(chan struct{}),
		}
		g.workers[account] = w
		g.wg.Add(1)
		go g.run(w)
	}
	return g
}

// Close stops accepting work, fails queued submissions with ErrClosed and
// waits for in-flight calls to finish.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}

// Submit anchors req keyed by its warrant digest.
func (g *Gateway) Submit(ctx context.Context, req Request) (Receipt, error) {
	return g.IdempotentSubmit(ctx, "digest:"+req.WarrantDigest, req)
}

// IdempotentSubmit anchors req under key, or returns the receipt already
// committed for key. ctx bounds the whole operation including queueing: a
// submission whose ctx ends while queued is dropped without touching the
// ledger. On failure the returned Receipt still reports Attempts.
func (g *Gateway) IdempotentSubmit(ctx context.Context, key string, req Request) (Receipt, error) {
	if key == "" {
		return Receipt{}, dErrors.New(dErrors.CodeInvalidInput, "idempotency key is required")
	}
	w := g.workerFor(key)
	j := &job{ctx: ctx, key: key, req: req, result: make(chan jobResult, 1)}

	select {
	case <-g.done:
		return Receipt{}, ErrClosed
	default:
	}
	select {
	case w.jobs <- j:
		g.metrics.queued(w.account, 1)
	case <-ctx.Done():
		return Receipt{}, fmt.Errorf("anchor %s: %w", key, ctx.Err())
	case <-g.done:
		return Receipt{}, ErrClosed
	}

	select {
	case res := <-j.result:
		return res.receipt, res.err
	case <-w.stopped:
		select {
		case res := <-j.result:
			return res.receipt, res.err
		default:
			return Receipt{}, ErrClosed
		}
	}
}

// Lookup reports the receipt committed for key without queueing a write.
// A receipt committed for a different digest is a conflict.
func (g *Gateway) Lookup(ctx context.Context, key, digest string) (Receipt, bool, error) {
	if key == "" {
		return Receipt{}, false, dErrors.New(dErrors.CodeInvalidInput, "idempotency key is required")
	}
	rec, found, err := g.resolve(ctx, key, digest)
	if err != nil {
		return Receipt{}, false, g.translate(ctx, key, 0, err)
	}
	return rec, found, nil
}

func (g *Gateway) workerFor(key string) *accountWorker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.workers[g.accounts[h.Sum32()%uint32(len(g.accounts))]]
}

type job struct {
	ctx    context.Context
	key    string
	req    Request
	result chan jobResult
}

type jobResult struct {
	receipt Receipt
	err     error
}

// accountWorker owns an account's sequence number; only its goroutine
// touches seq and seqKnown.
type accountWorker struct {
	account  string
	jobs     chan *job
	stopped  chan struct{}
	seq      uint64
	seqKnown bool
}

func (g *Gateway) run(w *accountWorker) {
	defer g.wg.Done()
	defer close(w.stopped)
	for {
		select {
		case <-g.done:
			for {
				select {
				case j := <-w.jobs:
					g.metrics.queued(w.account, -1)
					j.result <- jobResult{err: ErrClosed}
				default:
					return
				}
			}
		case j := <-w.jobs:
			g.metrics.queued(w.account, -1)
			receipt, err := g.process(w, j)
			j.result <- jobResult{receipt: receipt, err: err}
		}
	}
}

func classify(err error) retry.Class {
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrKeyConflict) {
		return retry.Permanent
	}
	return retry.Transient
}

func isUnknownOutcome(err error) bool {
	return errors.Is(err, sentinel.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (g *Gateway) process(w *accountWorker, j *job) (Receipt, error) {
	ctx, span := g.tracer.Start(j.ctx, "anchor.submit", trace.WithAttributes(
		attribute.String("anchor.account", w.account),
		attribute.String("anchor.key", j.key),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "expired while queued")
		return Receipt{}, fmt.Errorf("anchor %s dropped from queue: %w", j.key, err)
	}

	var (
		out     Receipt
		submits int
		// The ledger must be consulted before the first write and after any
		// write whose outcome is unknown.
		mustLookup = true
		unresolved = false
	)

	_, err := g.policy.Do(ctx, classify, func(ctx context.Context, _ int) error {
		if !g.breaker.Allow() {
			return ErrCircuitOpen
		}
		if mustLookup {
			rec, found, err := g.resolve(ctx, j.key, j.req.WarrantDigest)
			if errors.Is(err, ErrKeyConflict) {
				g.recordSuccess(ctx)
				return err
			}
			if err != nil {
				g.recordFailure(ctx)
				return err
			}
			g.recordSuccess(ctx)
			if found {
				out = rec
				unresolved = false
				return nil
			}
			mustLookup = false
			unresolved = false
		}
		if !w.seqKnown {
			seq, err := g.nextSequence(ctx, w.account)
			if err != nil {
				g.recordFailure(ctx)
				return err
			}
			w.seq, w.seqKnown = seq, true
		}

		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		start := time.Now()
		submits++
		rec, err := g.ledger.Submit(callCtx, w.account, w.seq, j.key, j.req)
		cancel()

		switch {
		case err == nil:
			w.seq++
			g.metrics.attempt("ok", start)
			g.recordSuccess(ctx)
			out = rec
			return nil
		case errors.Is(err, ErrRejected):
			g.metrics.attempt("rejected", start)
			g.recordSuccess(ctx)
			return err
		case errors.Is(err, ErrSequence):
			g.metrics.attempt("sequence", start)
			w.seqKnown = false
			return err
		case isUnknownOutcome(err):
			g.metrics.attempt("unknown", start)
			g.metrics.unknown()
			g.recordFailure(ctx)
			w.seqKnown = false
			mustLookup, unresolved = true, true
			return err
		default:
			g.metrics.attempt("transient", start)
			g.recordFailure(ctx)
			return err
		}
	}, func(err error, attempt int, wait time.Duration) {
		g.logger.WarnContext(ctx, "ledger attempt failed",
			"key", j.key,
			"account", w.account,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	})

	if err != nil && unresolved {
		// A write may have landed; one last lookup outside the caller's
		// deadline decides.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.callTimeout)
		rec, found, lerr := g.resolve(lookupCtx, j.key, j.req.WarrantDigest)
		cancel()
		switch {
		case errors.Is(lerr, ErrKeyConflict):
			err = lerr
		case lerr == nil && found:
			err = nil
			out = rec
		}
	}

	out.Attempts = submits
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, g.translate(ctx, j.key, submits, err)
	}

	if out.Account == "" {
		out.Account = w.account
	}
	if out.Key == "" {
		out.Key = j.key
	}
	span.SetAttributes(attribute.String("anchor.tx", out.TransactionHash))
	return out, nil
}

func (g *Gateway) translate(ctx context.Context, key string, submits int, err error) error {
	switch {
	case errors.Is(err, ErrKeyConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "idempotency key already anchors a different warrant")
	case errors.Is(err, ErrRejected):
		return dErrors.Wrap(err, dErrors.CodeLedgerPermanent, "ledger rejected the anchor")
	case ctx.Err() != nil:
		return fmt.Errorf("anchor %s: %w", key, ctx.Err())
	default:
		return dErrors.Wrap(err, dErrors.CodeLedgerTransient,
			fmt.Sprintf("ledger unavailable after %d submit attempts", submits))
	}
}

// resolve looks key up on the ledger. A receipt committed for another
// digest is ErrKeyConflict.
func (g *Gateway) resolve(ctx context.Context, key, digest string) (Receipt, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	rec, err := g.ledger.Lookup(callCtx, key)
	if err == nil {
		if rec.WarrantDigest != "" && rec.WarrantDigest != digest {
			return Receipt{}, false, fmt.Errorf("lookup %s: %w", key, ErrKeyConflict)
		}
		return rec, true, nil
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return Receipt{}, false, nil
	}
	return Receipt{}, false, fmt.Errorf("lookup %s: %w", key, err)
}

func (g *Gateway) nextSequence(ctx context.Context, account string) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	seq, err := g.ledger.NextSequence(callCtx, account)
	if err != nil {
		return 0, fmt.Errorf("sequence for %s: %w", account, err)
	}
	return seq, nil
}

func (g *Gateway) recordFailure(ctx context.Context) {
	if _, change := g.breaker.RecordFailure(); change.Opened {
		g.metrics.breaker(true)
		g.logger.WarnContext(ctx, "ledger circuit opened", "breaker", g.breaker.Name())
	}
}

func (g *Gateway) recordSuccess(ctx context.Context) {
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.metrics.breaker(false)
		g.logger.InfoContext(ctx, "ledger circuit closed", "breaker", g.breaker.Name())
	}
}
