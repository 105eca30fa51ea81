package inventory

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

var tracer = otel.Tracer("inventory/ledger")

type ledgerMetrics struct {
	backend    string
	operations metric.Int64Counter
	conflicts  metric.Int64Counter
}

func newLedgerMetrics(backend string) *ledgerMetrics {
	meter := otel.Meter("inventory/ledger")
	m := &ledgerMetrics{backend: backend}
	m.operations, _ = meter.Int64Counter("inventory.ledger.operations",
		metric.WithDescription("Ledger operations by kind and result"))
	m.conflicts, _ = meter.Int64Counter("inventory.ledger.conflicts",
		metric.WithDescription("Optimistic write conflicts and lock timeouts"))
	return m
}

func (m *ledgerMetrics) record(ctx context.Context, op string, err error) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", m.backend),
		attribute.String("op", op),
		attribute.String("result", resultLabel(err)),
	))
}

func (m *ledgerMetrics) conflict(ctx context.Context) {
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", m.backend)))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrNegativeStock):
		return "negative_stock"
	case errors.Is(err, domain.ErrOverRelease):
		return "over_release"
	case errors.Is(err, domain.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}
