package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

// ErrProductExists is returned when registering a product that already has
// a stock level.
var ErrProductExists = errors.New("product already registered")

// Ledger is the stock authority. Operations on one product are serialized;
// operations on different products are independent.
type Ledger interface {
	Reserve(ctx context.Context, productID string, quantity int) error
	Release(ctx context.Context, productID string, quantity int) error
	Adjust(ctx context.Context, productID string, delta int) error
	Stock(ctx context.Context, productID string) (*domain.StockLevel, error)
	List(ctx context.Context) ([]domain.StockLevel, error)
}

type mutation func(level *domain.StockLevel) error

func reserveMutation(quantity int) mutation {
	return func(level *domain.StockLevel) error {
		if level.Available < quantity {
			return &domain.InsufficientStockError{ProductID: level.ItemID, Requested: quantity, Available: level.Available}
		}
		level.Available -= quantity
		level.Reserved += quantity
		return nil
	}
}

func releaseMutation(quantity int) mutation {
	return func(level *domain.StockLevel) error {
		if level.Reserved < quantity {
			return domain.ErrOverRelease
		}
		level.Available += quantity
		level.Reserved -= quantity
		return nil
	}
}

func adjustMutation(delta int) mutation {
	return func(level *domain.StockLevel) error {
		if level.Available+delta < 0 {
			return &domain.NegativeStockError{ProductID: level.ItemID, Current: level.Available, Delta: delta}
		}
		level.Available += delta
		return nil
	}
}

// apply runs m on a copy of level and, on success, returns the copy with the
// version bumped. level itself is never modified.
func apply(level domain.StockLevel, m mutation, now time.Time) (domain.StockLevel, error) {
	next := level
	if err := m(&next); err != nil {
		return level, err
	}
	next.Version++
	next.UpdatedAt = now
	return next, nil
}

func checkQuantity(quantity int) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	return nil
}
