package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("orders/orchestrator")
	meter  = otel.Meter("orders/orchestrator")
)

type orchestratorMetrics struct {
	created       metric.Int64Counter
	transitions   metric.Int64Counter
	compensations metric.Int64Counter
	conflicts     metric.Int64Counter
}

func newOrchestratorMetrics() *orchestratorMetrics {
	m := &orchestratorMetrics{}
	m.created, _ = meter.Int64Counter("orders.created",
		metric.WithDescription("Order creation attempts by result"))
	m.transitions, _ = meter.Int64Counter("orders.transitions",
		metric.WithDescription("Committed status transitions"))
	m.compensations, _ = meter.Int64Counter("orders.compensations",
		metric.WithDescription("Compensating stock releases by result"))
	m.conflicts, _ = meter.Int64Counter("orders.version_conflicts",
		metric.WithDescription("Stale version writes retried"))
	return m
}

func (m *orchestratorMetrics) recordCreated(ctx context.Context, result string) {
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *orchestratorMetrics) recordTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *orchestratorMetrics) recordCompensation(ctx context.Context, result string) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *orchestratorMetrics) recordConflict(ctx context.Context) {
	m.conflicts.Add(ctx, 1)
}
