package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the domain counters. It satisfies lifecycle.Metrics,
// ledger.Observer and notify.DropObserver.
type Metrics struct {
	transitions metric.Int64Counter
	submissions metric.Int64Counter
	dropped     metric.Int64Counter
	requeues    metric.Int64Counter
}

// NewMetrics creates the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.transitions, err = meter.Int64Counter("quorum.transitions.total",
		metric.WithDescription("Lifecycle transitions performed"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.submissions, err = meter.Int64Counter("quorum.ledger.submissions.total",
		metric.WithDescription("Ledger submission attempts by result"),
		metric.WithUnit("{submission}"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("quorum.notifications.dropped.total",
		metric.WithDescription("Notifications with no live recipient or a full buffer"),
		metric.WithUnit("{notification}"),
	); err != nil {
		return nil, err
	}
	if m.requeues, err = meter.Int64Counter("quorum.timer.requeues.total",
		metric.WithDescription("Timers re-armed after a store failure"),
		metric.WithUnit("{timer}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) Transition(ctx context.Context, kind, outcome string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) TimerRequeued(ctx context.Context, kind string) {
	m.requeues.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) LedgerSubmission(ctx context.Context, op, result string) {
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

func (m *Metrics) NotificationDropped(ctx context.Context, event string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
