package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetInventory retrieves inventory for a product
func (s *PostgresStore) GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	return getInventory(ctx, s.db, productID, false)
}

// ListInventory retrieves all inventory records
func (s *PostgresStore) ListInventory(ctx context.Context) ([]models.InventoryRecord, error) {
	var records []models.InventoryRecord
	err := s.db.SelectContext(ctx, &records,
		"SELECT product_id, available_count, reserved_count, updated_at FROM inventory ORDER BY product_id")
	return records, err
}

// ListMovements retrieves the movement history of a product in append order
func (s *PostgresStore) ListMovements(ctx context.Context, productID string) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := s.db.SelectContext(ctx, &movements, `
		SELECT id, product_id, quantity_delta, reason, reference_order_id, note, created_at
		FROM stock_movements WHERE product_id = $1 ORDER BY id`, productID)
	return movements, err
}

func getInventory(ctx context.Context, q sqlx.ExtContext, productID string, forUpdate bool) (*models.InventoryRecord, error) {
	query := "SELECT product_id, available_count, reserved_count, updated_at FROM inventory WHERE product_id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var rec models.InventoryRecord
	err := sqlx.GetContext(ctx, q, &rec, query, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func createInventory(ctx context.Context, q sqlx.ExtContext, rec *models.InventoryRecord) error {
	err := sqlx.GetContext(ctx, q, &rec.UpdatedAt, `
		INSERT INTO inventory (product_id, available_count, reserved_count)
		VALUES ($1, $2, $3)
		RETURNING updated_at`,
		rec.ProductID, rec.AvailableCount, rec.ReservedCount)
	if err != nil {
		return fmt.Errorf("failed to insert inventory: %w", err)
	}
	return nil
}

func updateInventory(ctx context.Context, q sqlx.ExtContext, rec *models.InventoryRecord) error {
	err := sqlx.GetContext(ctx, q, &rec.UpdatedAt, `
		UPDATE inventory SET available_count = $1, reserved_count = $2, updated_at = NOW()
		WHERE product_id = $3
		RETURNING updated_at`,
		rec.AvailableCount, rec.ReservedCount, rec.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrProductNotFound, rec.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}
	return nil
}

func appendMovement(ctx context.Context, q sqlx.ExtContext, m *models.StockMovement) error {
	err := sqlx.GetContext(ctx, q, m, `
		INSERT INTO stock_movements (product_id, quantity_delta, reason, reference_order_id, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, product_id, quantity_delta, reason, reference_order_id, note, created_at`,
		m.ProductID, m.QuantityDelta, m.Reason, m.ReferenceOrderID, m.Note)
	if err != nil {
		return fmt.Errorf("failed to append stock movement: %w", err)
	}
	return nil
}
