// Package notify distributes issued receipts: to the indexer feed on Kafka
// and to the enterprise's subject-notification webhook. Delivery is best
// effort; callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"maskgate/internal/warrant/models"
)

// Notification is emitted once per RECEIPTED warrant.
type Notification struct {
	WarrantID     string             `json:"warrant_id"`
	EnterpriseID  string             `json:"enterprise_id"`
	SubjectTag    string             `json:"subject_tag"`
	NotifySubject bool               `json:"notify_subject"`
	Receipt       models.MaskReceipt `json:"receipt"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Metrics counts deliveries per sink and outcome.
type Metrics struct {
	Deliveries *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "maskgate_notify_deliveries_total",
			Help: "Receipt deliveries by sink and outcome",
		}, []string{"sink", "outcome"}),
	}
}

func (m *Metrics) observe(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Deliveries.WithLabelValues(sink, outcome).Inc()
}

// Sink is a named Notifier inside a Fanout.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers to every sink concurrently and joins the failures.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *Metrics
}

type FanoutOption func(*Fanout)

func WithLogger(logger *slog.Logger) FanoutOption {
	return func(f *Fanout) {
		f.logger = logger
	}
}

func WithMetrics(m *Metrics) FanoutOption {
	return func(f *Fanout) {
		f.metrics = m
	}
}

func NewFanout(sinks []Sink, opts ...FanoutOption) *Fanout {
	f := &Fanout{sinks: sinks, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	errs := make([]error, len(f.sinks))
	var g errgroup.Group
	for i, sink := range f.sinks {
		g.Go(func() error {
			err := sink.Notifier.Notify(ctx, n)
			f.metrics.observe(sink.Name, err)
			if err != nil {
				f.logger.WarnContext(ctx, "receipt delivery failed",
					"sink", sink.Name,
					"warrant_id", n.WarrantID,
					"error", err,
				)
				errs[i] = fmt.Errorf("%s: %w", sink.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }
