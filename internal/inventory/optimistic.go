package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
)

// StockStore persists stock levels with a version token.
type StockStore interface {
	GetStock(ctx context.Context, productID string) (*domain.StockLevel, error)
	ListStock(ctx context.Context) ([]domain.StockLevel, error)
	// CompareAndSwap writes next only if the stored version still equals
	// expectedVersion, otherwise it returns domain.ErrStaleVersion.
	CompareAndSwap(ctx context.Context, next domain.StockLevel, expectedVersion int64) error
}

// OptimisticLedger applies read-compute-write cycles against a StockStore and
// retries on version conflicts instead of holding a lock.
type OptimisticLedger struct {
	store   StockStore
	policy  retry.Policy
	logger  *zap.Logger
	metrics *ledgerMetrics
	now     func() time.Time
}

func NewOptimisticLedger(store StockStore, policy retry.Policy, logger *zap.Logger) *OptimisticLedger {
	return &OptimisticLedger{
		store:   store,
		policy:  policy,
		logger:  logger,
		metrics: newLedgerMetrics("postgres"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *OptimisticLedger) Reserve(ctx context.Context, productID string, quantity int) error {
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	return l.mutate(ctx, "reserve", productID, reserveMutation(quantity))
}

func (l *OptimisticLedger) Release(ctx context.Context, productID string, quantity int) error {
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	return l.mutate(ctx, "release", productID, releaseMutation(quantity))
}

func (l *OptimisticLedger) Adjust(ctx context.Context, productID string, delta int) error {
	return l.mutate(ctx, "adjust", productID, adjustMutation(delta))
}

func (l *OptimisticLedger) Stock(ctx context.Context, productID string) (*domain.StockLevel, error) {
	return l.store.GetStock(ctx, productID)
}

func (l *OptimisticLedger) List(ctx context.Context) ([]domain.StockLevel, error) {
	return l.store.ListStock(ctx)
}

func (l *OptimisticLedger) mutate(ctx context.Context, op, productID string, m mutation) (err error) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.backend", "postgres"),
		attribute.String("product.id", productID),
	))
	attempts := 0
	defer func() {
		span.SetAttributes(attribute.Int("ledger.attempts", attempts))
		l.metrics.record(ctx, op, err)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	err = retry.Do(ctx, l.policy, func() error {
		attempts++
		current, err := l.store.GetStock(ctx, productID)
		if err != nil {
			return retry.Permanent(err)
		}

		next, err := apply(*current, m, l.now())
		if err != nil {
			return retry.Permanent(err)
		}

		err = l.store.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, domain.ErrStaleVersion) {
			l.metrics.conflict(ctx)
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})

	if errors.Is(err, domain.ErrStaleVersion) {
		l.logger.Warn("stock update gave up after version conflicts",
			zap.String("product_id", productID), zap.String("op", op), zap.Int("attempts", attempts))
		return fmt.Errorf("%w: product %s after %d attempts", domain.ErrConcurrencyConflict, productID, attempts)
	}
	return err
}
