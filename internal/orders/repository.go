package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

const uniqueViolation = "23505"

// OrderRepository persists orders in the orders schema. Every write is
// guarded by the order's version token.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Save inserts an order that was never persisted (version 0) or updates an
// existing one if its stored version still matches. The returned copy carries
// the new version.
func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.Version == 0 {
		return r.insert(ctx, order)
	}
	return r.update(ctx, order)
}

func (r *OrderRepository) insert(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	saved := order.Clone()
	saved.Version = 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders.orders (id, order_number, customer_id, status, shipping_cost, tax_amount,
			total_amount, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, saved.ID, saved.OrderNumber, saved.CustomerID, saved.Status, saved.ShippingCost, saved.TaxAmount,
		saved.TotalAmount, saved.Version, saved.CreatedAt, saved.UpdatedAt, saved.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("order %s already exists: %w", saved.OrderNumber, err)
		}
		return nil, err
	}

	for i, item := range saved.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders.order_items (id, order_id, position, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), saved.ID, i, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

// update writes the mutable header fields. Line items never change after
// creation.
func (r *OrderRepository) update(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders.orders
		SET status = $1, shipping_cost = $2, tax_amount = $3, total_amount = $4,
			updated_at = $5, completed_at = $6, version = version + 1
		WHERE id = $7 AND version = $8
	`, order.Status, order.ShippingCost, order.TaxAmount, order.TotalAmount,
		order.UpdatedAt, order.CompletedAt, order.ID, order.Version)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		var exists bool
		err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders.orders WHERE id = $1)`, order.ID).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, order.ID)
		}
		return nil, fmt.Errorf("%w: order %s at version %d", domain.ErrStaleVersion, order.ID, order.Version)
	}

	saved := order.Clone()
	saved.Version++
	return saved, nil
}

const selectOrder = `
	SELECT id, order_number, customer_id, status, shipping_cost, tax_amount, total_amount,
		version, created_at, updated_at, completed_at
	FROM orders.orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	order := &domain.Order{}
	var completedAt sql.NullTime
	err := row.Scan(&order.ID, &order.OrderNumber, &order.CustomerID, &order.Status,
		&order.ShippingCost, &order.TaxAmount, &order.TotalAmount,
		&order.Version, &order.CreatedAt, &order.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}
	return order, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}

	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM orders.order_items
		WHERE order_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// List returns every order, newest first, loading line items in one query.
func (r *OrderRepository) List(ctx context.Context) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, unit_price
		FROM orders.order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := itemRows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order := orderMap[orderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}
