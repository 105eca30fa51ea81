package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
)

// StockRepository stores stock levels in inventory.items.
type StockRepository struct {
	db *sql.DB
}

func NewStockRepository(db *sql.DB) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) ListStock(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, available, reserved, version, updated_at
		FROM inventory.items
		ORDER BY item_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.StockLevel
	for rows.Next() {
		var stock domain.StockLevel
		if err := rows.Scan(&stock.ItemID, &stock.Available, &stock.Reserved, &stock.Version, &stock.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *StockRepository) GetStock(ctx context.Context, itemID string) (*domain.StockLevel, error) {
	stock := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT item_id, available, reserved, version, updated_at
		FROM inventory.items
		WHERE item_id = $1
	`, itemID).Scan(&stock.ItemID, &stock.Available, &stock.Reserved, &stock.Version, &stock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}

	return stock, nil
}

func (r *StockRepository) CompareAndSwap(ctx context.Context, next domain.StockLevel, expectedVersion int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE inventory.items
		SET available = $2, reserved = $3, version = $4, updated_at = $5
		WHERE item_id = $1 AND version = $6
	`, next.ItemID, next.Available, next.Reserved, next.Version, next.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrStaleVersion
	}

	return nil
}

// CreateItem registers a product. It is used by seeding and tests; catalog
// management owns it in production.
func (r *StockRepository) CreateItem(ctx context.Context, itemID string, available int) error {
	if available < 0 {
		return &domain.NegativeStockError{ProductID: itemID, Delta: available}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory.items (item_id, available, reserved, version, created_at, updated_at)
		VALUES ($1, $2, 0, 1, NOW(), NOW())
	`, itemID, available)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrProductExists, itemID)
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}
