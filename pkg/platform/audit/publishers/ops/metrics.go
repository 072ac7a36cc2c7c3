package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for ops audit tracking.
type Metrics struct {
	Tracked               prometheus.Counter
	Sampled               prometheus.Counter
	CircuitBreakerDropped prometheus.Counter
	PersistFailures       prometheus.Counter
	CircuitBreakerState   prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Tracked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_audit_ops_tracked_total",
			Help: "Total number of operational audit events persisted",
		}),
		Sampled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_audit_ops_sampled_total",
			Help: "Total number of operational audit events dropped by sampling",
		}),
		CircuitBreakerDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_audit_ops_circuit_breaker_dropped_total",
			Help: "Total number of operational audit events dropped while the store breaker was open",
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "maskgate_audit_ops_persist_failures_total",
			Help: "Total number of operational audit event persistence failures",
		}),
		CircuitBreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "maskgate_audit_ops_circuit_breaker_state",
			Help: "Audit store breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) IncTracked() {
	if m == nil {
		return
	}
	m.Tracked.Inc()
}

func (m *Metrics) IncSampled() {
	if m == nil {
		return
	}
	m.Sampled.Inc()
}

func (m *Metrics) IncCircuitBreakerDropped() {
	if m == nil {
		return
	}
	m.CircuitBreakerDropped.Inc()
}

func (m *Metrics) IncPersistFailures() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) SetCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}
