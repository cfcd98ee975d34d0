package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Verifier confirms a callback's authenticity with the payment provider
type Verifier interface {
	Verify(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error)
}

// gatewayActor is recorded in the status history of payment-driven transitions
const gatewayActor = "payment-gateway"

// FulfillmentCoordinator runs a verified payment callback through the
// deduplicator, the state machine and the ledger as one transaction
type FulfillmentCoordinator struct {
	store               store.Repository
	verifier            Verifier
	dedup               *PaymentDeduplicator
	machine             *OrderStateMachine
	ledger              *InventoryLedger
	verificationTimeout time.Duration
	logger              *zap.Logger
}

// NewFulfillmentCoordinator creates a new fulfillment coordinator
func NewFulfillmentCoordinator(
	store store.Repository,
	verifier Verifier,
	dedup *PaymentDeduplicator,
	machine *OrderStateMachine,
	ledger *InventoryLedger,
	verificationTimeout time.Duration,
) *FulfillmentCoordinator {
	return &FulfillmentCoordinator{
		store:               store,
		verifier:            verifier,
		dedup:               dedup,
		machine:             machine,
		ledger:              ledger,
		verificationTimeout: verificationTimeout,
		logger:              util.GetLogger(),
	}
}

// HandlePaymentCallback processes one gateway callback. Duplicates are a
// successful no-op. A rejected callback has no side effects. Internal
// failures roll back, mark the event INVALID and raise an operator alert.
func (c *FulfillmentCoordinator) HandlePaymentCallback(ctx context.Context, cb *models.PaymentCallback) (*models.CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentCoordinator.HandlePaymentCallback",
		"order_id", cb.TransactionID, "val_id", cb.ValidationID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	var v *models.Verification
	v, err = c.verify(ctx, cb)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(ErrorReason(err)).Inc()
		c.logger.Warn("Payment callback rejected",
			zap.String("order_id", cb.TransactionID),
			zap.String("val_id", cb.ValidationID),
			zap.String("amount", cb.Amount.String()),
			zap.String("status", cb.Status),
			zap.Error(err))
		return &models.CallbackResult{Status: models.CallbackRejected, OrderID: cb.TransactionID}, err
	}

	var decision Decision
	decision, err = c.dedup.Admit(ctx, v.ProviderEventID, v.OrderReference)
	if err != nil {
		return nil, err
	}
	if decision == DecisionSkipDuplicate {
		util.PaymentCallbacksTotal.WithLabelValues(models.CallbackDuplicate).Inc()
		return &models.CallbackResult{Status: models.CallbackDuplicate, OrderID: v.OrderReference}, nil
	}

	start := time.Now()
	err = c.fulfill(ctx, v)
	util.FulfillmentLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		c.raiseAlert(ctx, v, err)
		util.PaymentCallbacksTotal.WithLabelValues(ErrorReason(err)).Inc()
		return &models.CallbackResult{Status: models.CallbackRejected, OrderID: v.OrderReference}, err
	}

	util.PaymentCallbacksTotal.WithLabelValues(models.CallbackProcessed).Inc()
	c.logger.Info("Payment confirmed",
		zap.String("order_id", v.OrderReference),
		zap.String("provider_event_id", v.ProviderEventID),
		zap.String("amount", v.Amount.String()))
	return &models.CallbackResult{Status: models.CallbackProcessed, OrderID: v.OrderReference}, nil
}

// UpdateOrderStatus applies an operator or carrier driven transition
func (c *FulfillmentCoordinator) UpdateOrderStatus(ctx context.Context, orderID string, target models.OrderStatus, meta models.TransitionMetadata) (*models.Order, error) {
	return c.machine.ApplyTransition(ctx, orderID, target, meta)
}

// AdjustStock applies an administrative stock correction
func (c *FulfillmentCoordinator) AdjustStock(ctx context.Context, productID string, delta int, reason models.MovementReason, note string) (*models.InventoryRecord, error) {
	return c.ledger.Adjust(ctx, productID, delta, reason, note)
}

// verify asks the provider about the callback under a bounded timeout
func (c *FulfillmentCoordinator) verify(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
	if cb.Status != models.CallbackStatusValid {
		return nil, fmt.Errorf("%w: gateway status %s", models.ErrVerificationFailed, cb.Status)
	}

	vctx, cancel := context.WithTimeout(ctx, c.verificationTimeout)
	defer cancel()

	start := time.Now()
	v, err := c.verifier.Verify(vctx, cb)
	util.PaymentVerificationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, models.ErrVerificationTimeout) || errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", models.ErrVerificationTimeout, err)
		}
		if errors.Is(err, models.ErrVerificationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrVerificationFailed, err)
	}
	if !v.Valid {
		return nil, fmt.Errorf("%w: provider reports payment invalid", models.ErrVerificationFailed)
	}

	if v.ProviderEventID == "" {
		v.ProviderEventID = cb.ValidationID
	}
	if v.OrderReference == "" {
		v.OrderReference = cb.TransactionID
	}
	if v.OrderReference != cb.TransactionID {
		return nil, fmt.Errorf("%w: provider order %s does not match callback order %s",
			models.ErrVerificationFailed, v.OrderReference, cb.TransactionID)
	}
	if v.ExternalPaymentReference == "" {
		v.ExternalPaymentReference = v.ProviderEventID
	}
	return v, nil
}

// fulfill is the consistency boundary: transition, stock, outbox and the
// VALID outcome commit together or not at all
func (c *FulfillmentCoordinator) fulfill(ctx context.Context, v *models.Verification) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentCoordinator.fulfill", "order_id", v.OrderReference)
	defer span.End()

	current, err := c.store.GetOrder(ctx, v.OrderReference)
	if err != nil {
		return err
	}

	release, err := c.machine.locker.Acquire(ctx, orderLockKeys(current)...)
	if err != nil {
		return err
	}
	defer release()

	var touched []*models.InventoryRecord
	err = c.store.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, v.OrderReference)
		if err != nil {
			return err
		}

		if v.Amount.Sub(order.Totals.Total).Abs().GreaterThan(models.TotalTolerance) {
			return fmt.Errorf("%w: paid %s, order total %s",
				models.ErrAmountMismatch, v.Amount.String(), order.Totals.Total.String())
		}

		order.PaymentStatus = models.PaymentStatusPaid
		order.ExternalPaymentReference = v.ExternalPaymentReference
		touched, err = c.machine.applyTx(ctx, tx, order, models.OrderStatusConfirmed, models.TransitionMetadata{
			Actor:       gatewayActor,
			Description: "Payment confirmed",
		})
		if err != nil {
			return err
		}

		cartClear, err := newOutboxMessage(models.OutboxCartClear, order.ID, order.UserID, struct{}{})
		if err != nil {
			return err
		}
		confirmed, err := newOutboxMessage(models.OutboxPaymentConfirmed, order.ID, order.UserID, models.PaymentConfirmedPayload{
			ProviderEventID:          v.ProviderEventID,
			ExternalPaymentReference: v.ExternalPaymentReference,
			Amount:                   v.Amount.String(),
		})
		if err != nil {
			return err
		}
		for _, msg := range []*models.OutboxMessage{cartClear, confirmed} {
			if err := tx.EnqueueOutbox(ctx, msg); err != nil {
				return err
			}
		}

		return c.dedup.markOutcomeTx(ctx, tx, v.ProviderEventID, models.OutcomeValid)
	})
	if err != nil {
		return err
	}

	c.ledger.refresh(ctx, touched...)
	return nil
}

// raiseAlert makes a failed auto-confirmation visible and unblocks a later reconciliation
func (c *FulfillmentCoordinator) raiseAlert(ctx context.Context, v *models.Verification, cause error) {
	reason := ErrorReason(cause)
	util.FulfillmentAlertsTotal.WithLabelValues(reason).Inc()
	c.logger.Error("Fulfillment failed, order not auto-confirmed",
		zap.String("order_id", v.OrderReference),
		zap.String("provider_event_id", v.ProviderEventID),
		zap.String("reason", reason),
		zap.Error(cause))

	// the request context may be what failed, so resolution uses a fresh one
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.dedup.MarkOutcome(bg, v.ProviderEventID, models.OutcomeInvalid); err != nil {
		c.logger.Error("Failed to mark payment event invalid",
			zap.String("provider_event_id", v.ProviderEventID),
			zap.Error(err))
	}

	msg, err := newOutboxMessage(models.OutboxFulfillmentFailed, v.OrderReference, "", models.AlertPayload{
		ProviderEventID: v.ProviderEventID,
		Reason:          cause.Error(),
	})
	if err == nil {
		err = c.store.EnqueueOutbox(bg, msg)
	}
	if err != nil {
		c.logger.Error("Failed to enqueue fulfillment alert",
			zap.String("order_id", v.OrderReference),
			zap.Error(err))
	}
}
