package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CartClearer empties a user's cart
type CartClearer interface {
	Clear(ctx context.Context, userID, orderID string) error
}

// Notifier sends a customer notification about an order
type Notifier interface {
	Notify(ctx context.Context, orderID, userID string, kind models.OutboxKind, data json.RawMessage) error
}

// Alerter raises an operator alert about an order
type Alerter interface {
	Alert(ctx context.Context, orderID string, payload models.AlertPayload) error
}

// claimTTL hides a claimed batch from other relays until it is delivered or failed
const claimTTL = 30 * time.Second

// OutboxStore is the part of the repository the relay drains
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit, maxAttempts int, claim time.Duration) ([]models.OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error
}

// OutboxRelay delivers committed outbox messages to their collaborators
type OutboxRelay struct {
	store       OutboxStore
	cart        CartClearer
	notifier    Notifier
	alerter     Alerter
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *zap.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(
	store OutboxStore,
	cart CartClearer,
	notifier Notifier,
	alerter Alerter,
	interval time.Duration,
	batchSize int,
	maxAttempts int,
) *OutboxRelay {
	return &OutboxRelay{
		store:       store,
		cart:        cart,
		notifier:    notifier,
		alerter:     alerter,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      util.GetLogger(),
	}
}

// Start polls the outbox until ctx is done
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox relay pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch and returns how many messages were delivered
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.store.ClaimOutbox(ctx, r.batchSize, r.maxAttempts, claimTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox: %w", err)
	}

	delivered := 0
	for i := range msgs {
		msg := &msgs[i]
		if err := r.deliver(ctx, msg); err != nil {
			r.fail(ctx, msg, err)
			continue
		}
		if err := r.store.MarkOutboxDelivered(ctx, msg.ID); err != nil {
			return delivered, fmt.Errorf("failed to mark outbox message %d delivered: %w", msg.ID, err)
		}
		util.OutboxDeliveredTotal.WithLabelValues(string(msg.Kind)).Inc()
		delivered++
	}
	return delivered, nil
}

func (r *OutboxRelay) deliver(ctx context.Context, msg *models.OutboxMessage) error {
	switch {
	case msg.Kind == models.OutboxCartClear:
		if msg.UserID == "" {
			r.logger.Warn("Cart clear without user, skipping", zap.String("order_id", msg.OrderID))
			return nil
		}
		return r.cart.Clear(ctx, msg.UserID, msg.OrderID)

	case msg.Kind.IsNotification():
		return r.notifier.Notify(ctx, msg.OrderID, msg.UserID, msg.Kind, msg.Payload)

	case msg.Kind == models.OutboxFulfillmentFailed:
		var payload models.AlertPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal alert payload: %w", err)
		}
		return r.alerter.Alert(ctx, msg.OrderID, payload)
	}
	return fmt.Errorf("unknown outbox kind %q", msg.Kind)
}

func (r *OutboxRelay) fail(ctx context.Context, msg *models.OutboxMessage, cause error) {
	util.OutboxFailedTotal.WithLabelValues(string(msg.Kind)).Inc()
	if err := r.store.MarkOutboxFailed(ctx, msg.ID, cause.Error()); err != nil {
		r.logger.Error("Failed to record outbox failure",
			zap.Int64("outbox_id", msg.ID),
			zap.Error(err))
		return
	}

	if msg.Attempts+1 >= r.maxAttempts {
		r.logger.Error("Outbox message exhausted its attempts, needs operator action",
			zap.Int64("outbox_id", msg.ID),
			zap.String("kind", string(msg.Kind)),
			zap.String("order_id", msg.OrderID),
			zap.Error(cause))
		return
	}
	r.logger.Warn("Outbox delivery failed, will retry",
		zap.Int64("outbox_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.Int("attempt", msg.Attempts+1),
		zap.Error(cause))
}
