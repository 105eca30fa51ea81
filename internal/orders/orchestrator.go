package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
)

// Ledger is the part of the stock ledger the orchestrator needs.
type Ledger interface {
	Reserve(ctx context.Context, productID string, quantity int) error
	Release(ctx context.Context, productID string, quantity int) error
}

// Store persists orders. Save fails with domain.ErrStaleVersion when the
// stored version differs from order.Version.
type Store interface {
	Save(ctx context.Context, order *domain.Order) (*domain.Order, error)
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context) ([]domain.Order, error)
}

// EventPublisher accepts events without blocking the caller.
type EventPublisher interface {
	Publish(event domain.OrderEvent)
}

// ReleaseQueue takes releases that could not be applied during compensation.
type ReleaseQueue interface {
	Enqueue(p PendingRelease)
}

type CreateOrderRequest struct {
	CustomerID   string
	Items        []domain.OrderItem
	ShippingCost decimal.Decimal
	TaxAmount    decimal.Decimal
}

func (r CreateOrderRequest) validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return fmt.Errorf("%w: customer id is required", domain.ErrInvalidOrder)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", domain.ErrInvalidOrder)
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no product id", domain.ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", domain.ErrInvalidOrder, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d unit price is negative", domain.ErrInvalidOrder, i)
		}
	}
	if r.ShippingCost.IsNegative() || r.TaxAmount.IsNegative() {
		return fmt.Errorf("%w: shipping cost and tax must not be negative", domain.ErrInvalidOrder)
	}
	return nil
}

// Orchestrator runs order creation, status changes and cancellation against
// the stock ledger and the order store.
type Orchestrator struct {
	ledger  Ledger
	store   Store
	events  EventPublisher
	pending ReleaseQueue
	policy  retry.Policy
	logger  *zap.Logger
	metrics *orchestratorMetrics
	// now is truncated to microseconds, the precision Postgres stores, so a
	// reloaded updated_at compares equal to the one written.
	now func() time.Time
}

func NewOrchestrator(ledger Ledger, store Store, events EventPublisher, pending ReleaseQueue, policy retry.Policy, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:  ledger,
		store:   store,
		events:  events,
		pending: pending,
		policy:  policy,
		logger:  logger,
		metrics: newOrchestratorMetrics(),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// CreateOrder reserves stock for every line item and persists the order in
// CREATED. Either all reservations and the order exist afterwards or none do.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.String("customer.id", req.CustomerID),
		attribute.Int("order.items", len(req.Items)),
	))
	defer span.End()
	logger := telemetry.WithTrace(ctx, o.logger)

	if err := req.validate(); err != nil {
		o.metrics.recordCreated(ctx, "invalid")
		return nil, err
	}

	reserved := make([]domain.Reservation, 0, len(req.Items))
	for _, item := range req.Items {
		if err := o.ledger.Reserve(ctx, item.ProductID, item.Quantity); err != nil {
			logger.Warn("reservation failed, rolling back order",
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Int("already_reserved", len(reserved)),
				zap.Error(err),
			)
			o.compensate(ctx, "", reserved)
			o.metrics.recordCreated(ctx, "rejected")
			span.SetStatus(codes.Error, "reservation failed")
			return nil, &domain.OrderCreationError{ProductID: item.ProductID, Err: err}
		}
		reserved = append(reserved, domain.Reservation{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order := domain.NewOrder(req.CustomerID, req.Items, req.ShippingCost, req.TaxAmount, o.now())
	span.SetAttributes(attribute.String("order.id", order.ID))

	saved, err := o.store.Save(ctx, order)
	if err != nil {
		logger.Error("failed to persist order, releasing stock", zap.String("order_id", order.ID), zap.Error(err))
		o.compensate(ctx, order.ID, reserved)
		o.metrics.recordCreated(ctx, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, &domain.OrderCreationError{Err: err}
	}

	o.metrics.recordCreated(ctx, "ok")
	o.events.Publish(domain.NewOrderEvent(domain.EventOrderCreated, saved, ""))

	logger.Info("order created",
		zap.String("order_id", saved.ID),
		zap.String("order_number", saved.OrderNumber),
		zap.String("customer_id", saved.CustomerID),
		zap.String("total", saved.TotalAmount.String()),
	)
	return saved, nil
}

// UpdateStatus moves an order to status. Stale writes are retried against a
// fresh copy; invalid transitions are not.
func (o *Orchestrator) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.update_status", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(status)),
	))
	defer span.End()

	current, err := o.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var order *domain.Order
	if domain.RequiresStockRelease(status) {
		order, err = o.transitionReleasingStock(ctx, current, status, nil)
	} else {
		order, err = o.transition(ctx, current, status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}
	return order, nil
}

// CancelOrder moves an order to CANCELLED and gives its stock back. Only
// orders that have not been paid can be cancelled; the rule is checked again
// against every reloaded copy.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.cancel", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	current, err := o.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := cancellable(current); err != nil {
		return nil, err
	}

	order, err := o.transitionReleasingStock(ctx, current, domain.OrderStatusCancelled, cancellable)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		var oce *domain.OrderCancellationError
		if errors.As(err, &oce) {
			return nil, err
		}
		return nil, &domain.OrderCancellationError{OrderID: orderID, Status: current.Status, Err: err}
	}
	return order, nil
}

func cancellable(order *domain.Order) error {
	if !order.CanCancel() {
		return &domain.OrderCancellationError{OrderID: order.ID, Status: order.Status, Err: domain.ErrNotCancellable}
	}
	return nil
}

func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return o.store.GetByID(ctx, orderID)
}

func (o *Orchestrator) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return o.store.List(ctx)
}

func (o *Orchestrator) transition(ctx context.Context, current *domain.Order, to domain.OrderStatus) (*domain.Order, error) {
	res, err := o.commit(ctx, current, to, nil)
	if err != nil {
		return nil, err
	}
	if !res.concurrent {
		o.afterCommit(ctx, res)
	}
	return res.order, nil
}

// transitionReleasingStock commits the status first and only then releases
// the order's stock, so exactly one caller per order releases it. Releases
// that keep failing are queued for the Reconciler and reported as an error;
// the committed status stays.
func (o *Orchestrator) transitionReleasingStock(ctx context.Context, current *domain.Order, to domain.OrderStatus, guard func(*domain.Order) error) (*domain.Order, error) {
	res, err := o.commit(ctx, current, to, guard)
	if err != nil {
		return nil, err
	}
	if res.concurrent {
		return res.order, nil
	}

	releaseErr := o.releaseCommitted(ctx, res.order.ID, domain.ReservationsFor(res.order.Items))
	o.afterCommit(ctx, res)
	if releaseErr != nil {
		return nil, fmt.Errorf("order %s is %s but stock release is pending: %w", res.order.ID, to, releaseErr)
	}
	return res.order, nil
}

type commitResult struct {
	order   *domain.Order
	prev    domain.OrderStatus
	effects []domain.Effect
	// concurrent is set when a reload found the order already in the target
	// status, written by someone else.
	concurrent bool
}

// commit writes current moved to status to, reloading on version conflicts
// and retrying transient store errors. guard, when set, is checked against
// every copy before it is transitioned.
func (o *Orchestrator) commit(ctx context.Context, current *domain.Order, to domain.OrderStatus, guard func(*domain.Order) error) (commitResult, error) {
	var res commitResult
	attempts := 0
	// unconfirmed is the last write whose outcome is unknown because Save
	// failed with something other than a version conflict.
	var unconfirmed *domain.Order
	var unconfirmedEffects []domain.Effect
	prev := current.Status

	err := retry.Do(ctx, o.policy, func() error {
		attempts++
		if attempts > 1 {
			fresh, err := o.store.GetByID(ctx, current.ID)
			if errors.Is(err, domain.ErrOrderNotFound) {
				return retry.Permanent(err)
			}
			if err != nil {
				return err
			}
			if fresh.Status == to {
				if unconfirmed != nil && fresh.Version == unconfirmed.Version+1 && fresh.UpdatedAt.Equal(unconfirmed.UpdatedAt) {
					res = commitResult{order: fresh, prev: prev, effects: unconfirmedEffects}
					return nil
				}
				res = commitResult{order: fresh, concurrent: true}
				return nil
			}
			current = fresh
			prev = fresh.Status
			unconfirmed = nil
		}

		if guard != nil {
			if err := guard(current); err != nil {
				return retry.Permanent(err)
			}
		}

		next, effects, err := domain.Transition(current, to, o.now())
		if err != nil {
			return retry.Permanent(err)
		}

		saved, err := o.store.Save(ctx, next)
		switch {
		case err == nil:
			res = commitResult{order: saved, prev: current.Status, effects: effects}
			return nil
		case errors.Is(err, domain.ErrStaleVersion):
			o.metrics.recordConflict(ctx)
			return err
		case errors.Is(err, domain.ErrOrderNotFound):
			return retry.Permanent(err)
		default:
			unconfirmed, unconfirmedEffects = next, effects
			telemetry.WithTrace(ctx, o.logger).Warn("status write failed, retrying",
				zap.String("order_id", current.ID), zap.String("to", string(to)), zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
	})

	if errors.Is(err, domain.ErrStaleVersion) {
		telemetry.WithTrace(ctx, o.logger).Warn("status update gave up after version conflicts",
			zap.String("order_id", current.ID), zap.String("to", string(to)), zap.Int("attempts", attempts))
		return res, fmt.Errorf("%w: order %s after %d attempts", domain.ErrConcurrencyConflict, current.ID, attempts)
	}
	return res, err
}

func (o *Orchestrator) afterCommit(ctx context.Context, res commitResult) {
	o.metrics.recordTransition(ctx, string(res.prev), string(res.order.Status))
	o.events.Publish(domain.NewOrderEvent(domain.EventOrderStatusChanged, res.order, res.prev))

	for _, e := range res.effects {
		if e.Kind == domain.EffectNotify {
			o.events.Publish(domain.NewOrderEvent(e.Event, res.order, res.prev))
		}
	}

	telemetry.WithTrace(ctx, o.logger).Info("order status updated",
		zap.String("order_id", res.order.ID),
		zap.String("from", string(res.prev)),
		zap.String("to", string(res.order.Status)),
		zap.Int64("version", res.order.Version),
	)
}

// releaseCommitted releases the stock of an order whose status change is
// already stored. It ignores cancellation of ctx; each release is retried and
// then queued for the Reconciler. The first failure is returned.
func (o *Orchestrator) releaseCommitted(ctx context.Context, orderID string, reservations []domain.Reservation) error {
	ctx = context.WithoutCancel(ctx)
	logger := telemetry.WithTrace(ctx, o.logger)

	var firstErr error
	for _, r := range reservations {
		err := retry.Do(ctx, o.policy, func() error {
			err := o.ledger.Release(ctx, r.ProductID, r.Quantity)
			if err != nil && isPermanentReleaseError(err) {
				return retry.Permanent(err)
			}
			return err
		})
		if err == nil {
			continue
		}

		o.metrics.recordCompensation(ctx, "queued")
		logger.Error("stock release failed after status commit",
			zap.String("order_id", orderID),
			zap.String("product_id", r.ProductID),
			zap.Int("quantity", r.Quantity),
			zap.Error(err),
		)
		o.pending.Enqueue(PendingRelease{
			OrderID:   orderID,
			ProductID: r.ProductID,
			Quantity:  r.Quantity,
			LastError: err.Error(),
		})
		if firstErr == nil {
			firstErr = fmt.Errorf("product %s: %w", r.ProductID, err)
		}
	}
	return firstErr
}

// compensate gives back reservations after a failed creation. It ignores
// cancellation of ctx; failures go to the release queue.
func (o *Orchestrator) compensate(ctx context.Context, orderID string, reservations []domain.Reservation) {
	ctx = context.WithoutCancel(ctx)
	logger := telemetry.WithTrace(ctx, o.logger)

	for _, r := range reservations {
		err := o.ledger.Release(ctx, r.ProductID, r.Quantity)
		if err == nil {
			o.metrics.recordCompensation(ctx, "ok")
			continue
		}

		o.metrics.recordCompensation(ctx, "failed")
		logger.Error("compensating release failed",
			zap.String("order_id", orderID),
			zap.String("product_id", r.ProductID),
			zap.Int("quantity", r.Quantity),
			zap.Error(err),
		)
		o.pending.Enqueue(PendingRelease{
			OrderID:   orderID,
			ProductID: r.ProductID,
			Quantity:  r.Quantity,
			LastError: err.Error(),
		})
	}
}
