package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// OrderStateMachine owns order status transitions and the stock side effects tied to them
type OrderStateMachine struct {
	store  store.Repository
	locker lock.Locker
	ledger *InventoryLedger
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderStateMachine creates a new order state machine
func NewOrderStateMachine(store store.Repository, locker lock.Locker, ledger *InventoryLedger) *OrderStateMachine {
	return &OrderStateMachine{
		store:  store,
		locker: locker,
		ledger: ledger,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// GetOrder retrieves an order with its line items and status history
func (m *OrderStateMachine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return m.store.GetOrder(ctx, orderID)
}

// ApplyTransition moves an order to target under the order and product locks.
// The status write, the history entry and any stock side effect commit together.
func (m *OrderStateMachine) ApplyTransition(ctx context.Context, orderID string, target models.OrderStatus, meta models.TransitionMetadata) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.ApplyTransition",
		"order_id", orderID, "target", string(target))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if !target.Valid() {
		err = fmt.Errorf("%w: unknown status %q", models.ErrInvalidTransition, target)
		return nil, err
	}

	// line items never change after checkout, so the key set can be read unlocked
	var current *models.Order
	current, err = m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var release func()
	release, err = m.locker.Acquire(ctx, orderLockKeys(current)...)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		order   *models.Order
		touched []*models.InventoryRecord
	)
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		touched, err = m.applyTx(ctx, tx, order, target, meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.ledger.refresh(ctx, touched...)
	m.logger.Info("Order status updated",
		zap.String("order_id", orderID),
		zap.String("status", string(order.Status)),
		zap.String("actor", meta.Actor))
	return order, nil
}

// applyTx validates and writes one transition on an order loaded from tx. The
// caller holds the order lock and the locks of every product on the order.
func (m *OrderStateMachine) applyTx(ctx context.Context, tx store.Tx, order *models.Order, target models.OrderStatus, meta models.TransitionMetadata) ([]*models.InventoryRecord, error) {
	from := order.Status
	if !models.CanTransition(from, target) {
		util.OrderTransitionsRejected.WithLabelValues(string(from), string(target)).Inc()
		return nil, fmt.Errorf("%w: order %s %s -> %s", models.ErrInvalidTransition, order.ID, from, target)
	}

	touched, err := m.stockEffects(ctx, tx, order, from, target)
	if err != nil {
		return nil, err
	}

	if target == models.OrderStatusCancelled {
		order.PaymentStatus = models.PaymentStatusCancelled
	}

	now := m.now()
	order.Status = target
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	entry := models.StatusHistoryEntry{
		Status:      target,
		Timestamp:   now,
		Actor:       meta.Actor,
		Location:    meta.Location,
		Description: meta.Description,
	}
	if err := tx.AppendStatusHistory(ctx, order.ID, entry); err != nil {
		return nil, err
	}
	order.StatusHistory = append(order.StatusHistory, entry)

	msg, err := newOutboxMessage(models.OutboxOrderStatusChanged, order.ID, order.UserID, models.StatusChangedPayload{
		From:        from,
		To:          target,
		Actor:       meta.Actor,
		Location:    meta.Location,
		Description: meta.Description,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(target)).Inc()
	return touched, nil
}

// stockEffects keeps the ledger in step with the order:
// PENDING->CONFIRMED sells the reservation, PENDING->CANCELLED releases it,
// and cancelling after confirmation returns the sold units.
func (m *OrderStateMachine) stockEffects(ctx context.Context, tx store.Tx, order *models.Order, from, target models.OrderStatus) ([]*models.InventoryRecord, error) {
	var apply func(item models.LineItem) (*models.InventoryRecord, error)

	switch {
	case from == models.OrderStatusPending && target == models.OrderStatusConfirmed:
		apply = func(item models.LineItem) (*models.InventoryRecord, error) {
			return m.ledger.confirmSaleTx(ctx, tx, item.ProductID, item.Quantity, order.ID)
		}
	case from == models.OrderStatusPending && target == models.OrderStatusCancelled:
		apply = func(item models.LineItem) (*models.InventoryRecord, error) {
			return m.ledger.releaseTx(ctx, tx, item.ProductID, item.Quantity)
		}
	case target == models.OrderStatusCancelled:
		apply = func(item models.LineItem) (*models.InventoryRecord, error) {
			return m.ledger.returnSaleTx(ctx, tx, item.ProductID, item.Quantity, order.ID)
		}
	default:
		return nil, nil
	}

	touched := make([]*models.InventoryRecord, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		rec, err := apply(item)
		if err != nil {
			return nil, fmt.Errorf("order %s line %s: %w", order.ID, item.ProductID, err)
		}
		touched = append(touched, rec)
	}
	return touched, nil
}

func orderLockKeys(order *models.Order) []string {
	keys := []string{lock.OrderKey(order.ID)}
	for _, productID := range order.ProductIDs() {
		keys = append(keys, lock.ProductKey(productID))
	}
	return keys
}
