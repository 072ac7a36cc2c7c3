package anchor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ledger traffic. A nil *Metrics records nothing.
type Metrics struct {
	Attempts      *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec
	UnknownResult prometheus.Counter
	BreakerOpen   prometheus.Gauge
}

// NewMetrics registers anchor metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "maskgate_anchor_attempts_total",
			Help: "Ledger submit attempts by outcome",
		}, []string{"outcome"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "maskgate_anchor_call_duration_seconds",
			Help:    "Duration of individual ledger submit calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maskgate_anchor_queue_depth",
			Help: "Submissions waiting per signing account",
		}, []string{"account"}),
		UnknownResult: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_anchor_unknown_outcomes_total",
			Help: "Ledger calls whose outcome had to be resolved by lookup",
		}),
		BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "maskgate_anchor_breaker_open",
			Help: "1 while the ledger circuit breaker is open",
		}),
	}
}

func (m *Metrics) attempt(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) queued(account string, delta float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(account).Add(delta)
}

func (m *Metrics) unknown() {
	if m == nil {
		return
	}
	m.UnknownResult.Inc()
}

func (m *Metrics) breaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
