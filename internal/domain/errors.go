package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNegativeStock       = errors.New("stock would become negative")
	ErrStaleVersion        = errors.New("stale version")
	ErrOverRelease         = errors.New("release exceeds reserved stock")
	ErrProductNotFound     = errors.New("product not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNotCancellable      = errors.New("order cannot be cancelled in its current status")

	// ErrLockTimeout is returned when a per-product lock could not be taken
	// within the configured wait. It is a ConcurrencyConflict and retriable.
	ErrLockTimeout = fmt.Errorf("stock lock wait timed out: %w", ErrConcurrencyConflict)
)

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type NegativeStockError struct {
	ProductID string
	Current   int
	Delta     int
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("adjusting product %s by %d would leave %d units", e.ProductID, e.Delta, e.Current+e.Delta)
}

func (e *NegativeStockError) Unwrap() error { return ErrNegativeStock }

type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// OrderCreationError wraps the reason an order could not be created.
// ProductID is set when a reservation for that product failed.
type OrderCreationError struct {
	ProductID string
	Err       error
}

func (e *OrderCreationError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("create order: product %s: %v", e.ProductID, e.Err)
	}
	return fmt.Sprintf("create order: %v", e.Err)
}

func (e *OrderCreationError) Unwrap() error { return e.Err }

type OrderCancellationError struct {
	OrderID string
	Status  OrderStatus
	Err     error
}

func (e *OrderCancellationError) Error() string {
	return fmt.Sprintf("cancel order %s (status %s): %v", e.OrderID, e.Status, e.Err)
}

func (e *OrderCancellationError) Unwrap() error { return e.Err }
