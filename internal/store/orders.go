package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type orderRow struct {
	ID                       string          `db:"id"`
	UserID                   string          `db:"user_id"`
	Status                   string          `db:"status"`
	PaymentStatus            string          `db:"payment_status"`
	ExternalPaymentReference string          `db:"external_payment_reference"`
	Subtotal                 decimal.Decimal `db:"subtotal"`
	Tax                      decimal.Decimal `db:"tax"`
	Shipping                 decimal.Decimal `db:"shipping"`
	Total                    decimal.Decimal `db:"total"`
	CreatedAt                time.Time       `db:"created_at"`
	UpdatedAt                time.Time       `db:"updated_at"`
}

func (r orderRow) toModel() *models.Order {
	return &models.Order{
		ID:                       r.ID,
		UserID:                   r.UserID,
		Status:                   models.OrderStatus(r.Status),
		PaymentStatus:            models.PaymentStatus(r.PaymentStatus),
		ExternalPaymentReference: r.ExternalPaymentReference,
		Totals: models.Totals{
			Subtotal: r.Subtotal,
			Tax:      r.Tax,
			Shipping: r.Shipping,
			Total:    r.Total,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const selectOrder = `
	SELECT id, user_id, status, payment_status,
	       COALESCE(external_payment_reference, '') AS external_payment_reference,
	       subtotal, tax, shipping, total, created_at, updated_at
	FROM orders WHERE id = $1`

// GetOrder retrieves an order with its line items and history
func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return getOrder(ctx, s.db, orderID, false)
}

func getOrder(ctx context.Context, q sqlx.ExtContext, orderID string, forUpdate bool) (*models.Order, error) {
	query := selectOrder
	if forUpdate {
		query += " FOR UPDATE"
	}

	var row orderRow
	err := sqlx.GetContext(ctx, q, &row, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	order := row.toModel()

	if err := sqlx.SelectContext(ctx, q, &order.LineItems,
		"SELECT product_id, quantity, unit_price FROM order_line_items WHERE order_id = $1 ORDER BY position",
		orderID); err != nil {
		return nil, fmt.Errorf("failed to load line items: %w", err)
	}

	if err := sqlx.SelectContext(ctx, q, &order.StatusHistory,
		"SELECT status, actor, location, description, created_at FROM order_status_history WHERE order_id = $1 ORDER BY id",
		orderID); err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}

	return order, nil
}

func createOrder(ctx context.Context, q sqlx.ExtContext, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, status, payment_status, external_payment_reference,
		                    subtotal, tax, shipping, total)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := sqlx.GetContext(ctx, q, order, query,
		order.ID, order.UserID, order.Status, order.PaymentStatus, order.ExternalPaymentReference,
		order.Totals.Subtotal, order.Totals.Tax, order.Totals.Shipping, order.Totals.Total)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range order.LineItems {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO order_line_items (order_id, position, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)",
			order.ID, i, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to insert line item: %w", err)
		}
	}

	for _, entry := range order.StatusHistory {
		if err := appendStatusHistory(ctx, q, order.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

func updateOrder(ctx context.Context, q sqlx.ExtContext, order *models.Order) error {
	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, external_payment_reference = NULLIF($3, ''), updated_at = $4
		WHERE id = $5`,
		order.Status, order.PaymentStatus, order.ExternalPaymentReference, order.UpdatedAt, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, order.ID)
	}
	return nil
}

func appendStatusHistory(ctx context.Context, q sqlx.ExtContext, orderID string, entry models.StatusHistoryEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, actor, location, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, entry.Status, entry.Actor, entry.Location, entry.Description, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}
