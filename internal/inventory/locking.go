package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

// LockingLedger keeps stock in memory behind one lock per product.
type LockingLedger struct {
	cells    sync.Map // product id -> *stockCell
	lockWait time.Duration
	logger   *zap.Logger
	metrics  *ledgerMetrics
	now      func() time.Time
}

type stockCell struct {
	// sem is a one-slot channel so acquisition can give up after a timeout.
	sem   chan struct{}
	level domain.StockLevel
}

func NewLockingLedger(lockWait time.Duration, logger *zap.Logger) *LockingLedger {
	return &LockingLedger{
		lockWait: lockWait,
		logger:   logger,
		metrics:  newLedgerMetrics("memory"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddProduct registers a product with its initial stock. Registering an
// existing product fails.
func (l *LockingLedger) AddProduct(productID string, quantity int) error {
	if quantity < 0 {
		return &domain.NegativeStockError{ProductID: productID, Delta: quantity}
	}
	cell := &stockCell{
		sem:   make(chan struct{}, 1),
		level: domain.StockLevel{ItemID: productID, Available: quantity, Version: 1, UpdatedAt: l.now()},
	}
	if _, loaded := l.cells.LoadOrStore(productID, cell); loaded {
		return fmt.Errorf("%w: %s", ErrProductExists, productID)
	}
	return nil
}

func (l *LockingLedger) Reserve(ctx context.Context, productID string, quantity int) error {
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	return l.mutate(ctx, "reserve", productID, reserveMutation(quantity))
}

func (l *LockingLedger) Release(ctx context.Context, productID string, quantity int) error {
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	return l.mutate(ctx, "release", productID, releaseMutation(quantity))
}

func (l *LockingLedger) Adjust(ctx context.Context, productID string, delta int) error {
	return l.mutate(ctx, "adjust", productID, adjustMutation(delta))
}

func (l *LockingLedger) Stock(ctx context.Context, productID string) (*domain.StockLevel, error) {
	cell, err := l.cell(productID)
	if err != nil {
		return nil, err
	}
	if err := l.lock(ctx, cell); err != nil {
		return nil, err
	}
	level := cell.level
	l.unlock(cell)
	return &level, nil
}

func (l *LockingLedger) List(ctx context.Context) ([]domain.StockLevel, error) {
	var ids []string
	l.cells.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)

	levels := make([]domain.StockLevel, 0, len(ids))
	for _, id := range ids {
		level, err := l.Stock(ctx, id)
		if err != nil {
			return nil, err
		}
		levels = append(levels, *level)
	}
	return levels, nil
}

func (l *LockingLedger) mutate(ctx context.Context, op, productID string, m mutation) (err error) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.backend", "memory"),
		attribute.String("product.id", productID),
	))
	defer func() {
		l.metrics.record(ctx, op, err)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	cell, err := l.cell(productID)
	if err != nil {
		return err
	}
	if err := l.lock(ctx, cell); err != nil {
		l.metrics.conflict(ctx)
		l.logger.Warn("stock lock not acquired", zap.String("product_id", productID), zap.String("op", op), zap.Error(err))
		return err
	}
	defer l.unlock(cell)

	next, err := apply(cell.level, m, l.now())
	if err != nil {
		return err
	}
	cell.level = next
	return nil
}

func (l *LockingLedger) cell(productID string) (*stockCell, error) {
	v, ok := l.cells.Load(productID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return v.(*stockCell), nil
}

func (l *LockingLedger) lock(ctx context.Context, cell *stockCell) error {
	select {
	case cell.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(l.lockWait)
	defer timer.Stop()

	select {
	case cell.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LockingLedger) unlock(cell *stockCell) {
	<-cell.sem
}
