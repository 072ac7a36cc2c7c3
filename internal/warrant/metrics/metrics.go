package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for warrant processing.
// Tracks state transitions, rejections by reason and critical path durations.
// A nil *Metrics records nothing.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	SubmitDuration    prometheus.Histogram
	ConfirmDuration   prometheus.Histogram
	ProcessingRetries prometheus.Counter
	IdempotentReplays prometheus.Counter
	StatusQueries     prometheus.Counter
}

// New creates a new Metrics instance with all warrant metrics registered.
func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "maskgate_warrant_transitions_total",
			Help: "Warrant state transitions by target state",
		}, []string{"state"}),
		Rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "maskgate_warrant_rejections_total",
			Help: "Rejected warrants and attestations by reason",
		}, []string{"reason"}),
		SubmitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "maskgate_warrant_submit_duration_seconds",
			Help:    "Duration of warrant submissions (validation through anchoring)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ConfirmDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "maskgate_warrant_confirm_duration_seconds",
			Help:    "Duration of attestation confirmations (attestation through receipt)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		ProcessingRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_warrant_processing_retries_total",
			Help: "Retried attestation/receipt construction attempts",
		}),
		IdempotentReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_warrant_idempotent_replays_total",
			Help: "Submissions answered from an existing anchor without a ledger call",
		}),
		StatusQueries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_warrant_status_queries_total",
			Help: "Status lookups served",
		}),
	}
}

// IncTransition records a move into state.
func (m *Metrics) IncTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

// IncRejection records a rejection with its machine-readable reason.
func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// ObserveSubmit records the duration of a Submit call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveSubmit(start time.Time) {
	if m == nil {
		return
	}
	m.SubmitDuration.Observe(time.Since(start).Seconds())
}

// ObserveConfirm records the duration of a Confirm call.
func (m *Metrics) ObserveConfirm(start time.Time) {
	if m == nil {
		return
	}
	m.ConfirmDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncProcessingRetry() {
	if m == nil {
		return
	}
	m.ProcessingRetries.Inc()
}

func (m *Metrics) IncIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}

func (m *Metrics) IncStatusQuery() {
	if m == nil {
		return
	}
	m.StatusQueries.Inc()
}
