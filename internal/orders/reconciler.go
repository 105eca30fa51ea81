package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

const defaultMaxReleaseAttempts = 20

// PendingRelease is a stock release that failed during compensation and is
// still owed to the ledger.
type PendingRelease struct {
	OrderID   string
	ProductID string
	Quantity  int
	Attempts  int
	LastError string
}

// Reconciler keeps failed compensating releases and retries them on every
// sweep until they succeed, fail permanently or run out of attempts.
type Reconciler struct {
	ledger      Ledger
	logger      *zap.Logger
	maxAttempts int

	mu      sync.Mutex
	pending []PendingRelease
}

func NewReconciler(ledger Ledger, logger *zap.Logger) *Reconciler {
	r := &Reconciler{
		ledger:      ledger,
		logger:      logger,
		maxAttempts: defaultMaxReleaseAttempts,
	}
	_, _ = meter.Int64ObservableGauge("orders.reconciler.pending",
		metric.WithDescription("Stock releases waiting for reconciliation"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Pending()))
			return nil
		}),
	)
	return r
}

func (r *Reconciler) Enqueue(p PendingRelease) {
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()

	r.logger.Warn("stock release queued for reconciliation",
		zap.String("order_id", p.OrderID),
		zap.String("product_id", p.ProductID),
		zap.Int("quantity", p.Quantity),
		zap.String("error", p.LastError),
	)
}

func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Sweep retries every pending release once and returns how many succeeded.
func (r *Reconciler) Sweep(ctx context.Context) int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var retained []PendingRelease
	released := 0
	for _, p := range batch {
		err := r.ledger.Release(ctx, p.ProductID, p.Quantity)
		if err == nil {
			released++
			r.logger.Info("reconciled stock release",
				zap.String("order_id", p.OrderID),
				zap.String("product_id", p.ProductID),
				zap.Int("quantity", p.Quantity),
			)
			continue
		}

		p.Attempts++
		p.LastError = err.Error()
		if isPermanentReleaseError(err) || p.Attempts >= r.maxAttempts {
			r.logger.Error("giving up on stock release",
				zap.String("order_id", p.OrderID),
				zap.String("product_id", p.ProductID),
				zap.Int("quantity", p.Quantity),
				zap.Int("attempts", p.Attempts),
				zap.Error(err),
			)
			continue
		}
		retained = append(retained, p)
	}

	if len(retained) > 0 {
		r.mu.Lock()
		r.pending = append(r.pending, retained...)
		r.mu.Unlock()
	}
	return released
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped", zap.Int("pending", r.Pending()))
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func isPermanentReleaseError(err error) bool {
	return errors.Is(err, domain.ErrOverRelease) ||
		errors.Is(err, domain.ErrProductNotFound) ||
		errors.Is(err, domain.ErrInvalidQuantity)
}
