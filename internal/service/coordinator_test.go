package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePaymentCallbackConfirmsOrder(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 10)
	env.stock(t, "p2", 10)
	order := env.placeOrder(t, map[string]int{"p1": 2, "p2": 1})

	result, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackProcessed, result.Status)
	assert.Equal(t, order.ID, result.OrderID)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, models.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, "bank-evt1", stored.ExternalPaymentReference)
	require.Len(t, stored.StatusHistory, 2)
	assert.Equal(t, gatewayActor, stored.StatusHistory[1].Actor)

	for productID, qty := range map[string]int{"p1": 2, "p2": 1} {
		rec := env.record(t, productID)
		assert.Equal(t, 10-qty, rec.AvailableCount+rec.ReservedCount, productID)
		assert.Equal(t, 0, rec.ReservedCount, productID)
		assert.Equal(t, rec.AvailableCount+rec.ReservedCount, env.replay(t, productID), productID)

		movements, err := env.ledger.Movements(ctx, productID)
		require.NoError(t, err)
		require.Len(t, movements, 2, productID)
		assert.Equal(t, models.MovementSold, movements[1].Reason)
		assert.Equal(t, -qty, movements[1].QuantityDelta)
	}

	assert.ElementsMatch(t, []models.OutboxKind{
		models.OutboxOrderStatusChanged,
		models.OutboxCartClear,
		models.OutboxPaymentConfirmed,
	}, env.outboxKinds())

	rec, err := env.dedup.Lookup(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeValid, rec.Outcome)

	// same event again is an idempotent no-op
	result, err = env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackDuplicate, result.Status)
	assert.Equal(t, 8, env.record(t, "p1").AvailableCount)
	assert.Len(t, env.outboxKinds(), 3)
}

func TestHandlePaymentCallbackSequentialDuplicates(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 3})

	const n = 5
	processed := 0
	for i := 0; i < n; i++ {
		result, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
		require.NoError(t, err)
		if result.Status == models.CallbackProcessed {
			processed++
		} else {
			assert.Equal(t, models.CallbackDuplicate, result.Status)
		}
	}
	assert.Equal(t, 1, processed)

	movements, err := env.ledger.Movements(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, movements, 2)

	rec, err := env.dedup.Lookup(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, n-1, rec.DuplicateCount)
}

func TestHandlePaymentCallbackConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 3})

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[string]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.coordinator.HandlePaymentCallback(context.Background(), callbackFor(order, "evt1"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			statuses[result.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[models.CallbackProcessed])
	assert.Equal(t, n-1, statuses[models.CallbackDuplicate])

	rec := env.record(t, "p1")
	assert.Equal(t, 7, rec.AvailableCount)
	assert.Equal(t, 0, rec.ReservedCount)
	assert.Equal(t, 7, env.replay(t, "p1"))

	stored, err := env.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	confirmations := 0
	for _, h := range stored.StatusHistory {
		if h.Status == models.OrderStatusConfirmed {
			confirmations++
		}
	}
	assert.Equal(t, 1, confirmations)
}

func TestHandlePaymentCallbackRollsBackOnStockFailure(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 10)
	env.stock(t, "p2", 10)
	order := env.placeOrder(t, map[string]int{"p1": 2, "p2": 1})

	// p2's hold disappears out of band, so its sale cannot be confirmed
	_, err := env.ledger.Release(ctx, "p2", 1)
	require.NoError(t, err)
	p1Before := env.record(t, "p1")
	p2Before := env.record(t, "p2")

	result, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	assert.ErrorIs(t, err, models.ErrInvalidConfirmation)
	assert.Equal(t, models.CallbackRejected, result.Status)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, models.PaymentStatusPending, stored.PaymentStatus)
	assert.Empty(t, stored.ExternalPaymentReference)

	p1After := env.record(t, "p1")
	p2After := env.record(t, "p2")
	assert.Equal(t, p1Before.AvailableCount, p1After.AvailableCount)
	assert.Equal(t, p1Before.ReservedCount, p1After.ReservedCount)
	assert.Equal(t, p2Before.AvailableCount, p2After.AvailableCount)
	assert.Equal(t, p2Before.ReservedCount, p2After.ReservedCount)
	assert.Equal(t, 10, env.replay(t, "p1"))

	rec, err := env.dedup.Lookup(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalid, rec.Outcome)

	kinds := env.outboxKinds()
	require.Equal(t, []models.OutboxKind{models.OutboxFulfillmentFailed}, kinds)
	var alert models.AlertPayload
	require.NoError(t, json.Unmarshal(env.store.Outbox()[0].Payload, &alert))
	assert.Equal(t, "evt1", alert.ProviderEventID)
	assert.Contains(t, alert.Reason, "invalid confirmation")

	// reconciliation: the hold is restored and the same event is reissued
	_, err = env.ledger.Reserve(ctx, "p2", 1)
	require.NoError(t, err)
	result, err = env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackProcessed, result.Status)
}

func TestHandlePaymentCallbackAmountMismatch(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 1})

	cb := callbackFor(order, "evt1")
	cb.Amount = order.Totals.Total.Sub(decimal.NewFromInt(1))
	result, err := env.coordinator.HandlePaymentCallback(ctx, cb)
	assert.ErrorIs(t, err, models.ErrAmountMismatch)
	assert.Equal(t, models.CallbackRejected, result.Status)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, []models.OutboxKind{models.OutboxFulfillmentFailed}, env.outboxKinds())

	// drift within tolerance is accepted
	cb.Amount = order.Totals.Total.Add(decimal.New(1, -2))
	result, err = env.coordinator.HandlePaymentCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, models.CallbackProcessed, result.Status)
}

func TestHandlePaymentCallbackVerificationTimeout(t *testing.T) {
	slow := verifierFunc(func(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, slow)
	ctx := context.Background()
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 1})

	result, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	assert.ErrorIs(t, err, models.ErrVerificationTimeout)
	assert.Equal(t, models.CallbackRejected, result.Status)

	_, err = env.dedup.Lookup(ctx, "evt1")
	assert.ErrorIs(t, err, store.ErrPaymentEventNotFound)
	assert.Empty(t, env.outboxKinds())
	assert.Equal(t, 1, env.record(t, "p1").ReservedCount)
}

func TestHandlePaymentCallbackVerificationFailures(t *testing.T) {
	tests := []struct {
		name     string
		verifier verifierFunc
		mutate   func(cb *models.PaymentCallback)
	}{
		{
			name: "provider says invalid",
			verifier: func(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
				return &models.Verification{Valid: false}, nil
			},
		},
		{
			name: "provider order differs",
			verifier: func(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
				return &models.Verification{Valid: true, Amount: cb.Amount, ProviderEventID: cb.ValidationID, OrderReference: "someone-else"}, nil
			},
		},
		{
			name:     "gateway status not valid",
			verifier: acceptAll,
			mutate:   func(cb *models.PaymentCallback) { cb.Status = models.CallbackStatusFailed },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.verifier)
			env.stock(t, "p1", 10)
			order := env.placeOrder(t, map[string]int{"p1": 1})

			cb := callbackFor(order, "evt1")
			if tt.mutate != nil {
				tt.mutate(cb)
			}
			result, err := env.coordinator.HandlePaymentCallback(context.Background(), cb)
			assert.ErrorIs(t, err, models.ErrVerificationFailed)
			assert.Equal(t, models.CallbackRejected, result.Status)

			stored, err := env.store.GetOrder(context.Background(), order.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusPending, stored.Status)
			assert.Empty(t, env.outboxKinds())
		})
	}
}

func TestHandlePaymentCallbackSecondEventForConfirmedOrder(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 2})

	_, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)

	result, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt2"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.CallbackRejected, result.Status)

	assert.Equal(t, 8, env.record(t, "p1").AvailableCount)
	assert.Equal(t, 8, env.replay(t, "p1"))
}

func TestHandlePaymentCallbackUnknownOrder(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	cb := &models.PaymentCallback{
		TransactionID: "missing",
		ValidationID:  "evt1",
		Amount:        decimal.NewFromInt(10),
		Status:        models.CallbackStatusValid,
	}

	result, err := env.coordinator.HandlePaymentCallback(context.Background(), cb)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	assert.Equal(t, models.CallbackRejected, result.Status)
	assert.Equal(t, []models.OutboxKind{models.OutboxFulfillmentFailed}, env.outboxKinds())
}

func TestCoordinatorAdjustAndUpdateStatus(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 10)

	_, err := env.coordinator.AdjustStock(ctx, "p1", -100, models.MovementAdjustment, "")
	assert.ErrorIs(t, err, models.ErrNegativeStock)
	assert.Equal(t, 10, env.record(t, "p1").AvailableCount)

	order := env.placeOrder(t, map[string]int{"p1": 1})
	updated, err := env.coordinator.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled, models.TransitionMetadata{Actor: "customer"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 10, env.record(t, "p1").AvailableCount)
}

func TestHandlePaymentCallbackReclaimsUnresolvedEvent(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	env.dedup.lease = 50 * time.Millisecond
	ctx := context.Background()
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 2})

	// an earlier attempt admitted the event and died before resolving it
	decision, err := env.dedup.Admit(ctx, "evt1", order.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionProcess, decision)

	result, err := env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackDuplicate, result.Status)

	time.Sleep(80 * time.Millisecond)

	result, err = env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackProcessed, result.Status)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, models.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, 8, env.record(t, "p1").AvailableCount)
	assert.Equal(t, 0, env.record(t, "p1").ReservedCount)

	rec, err := env.dedup.Lookup(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeValid, rec.Outcome)

	var alert models.AlertPayload
	found := false
	for _, msg := range env.store.Outbox() {
		if msg.Kind == models.OutboxFulfillmentFailed {
			require.NoError(t, json.Unmarshal(msg.Payload, &alert))
			found = true
		}
	}
	require.True(t, found, "reclaiming an unresolved event raises an alert")
	assert.Equal(t, "evt1", alert.ProviderEventID)

	// resolved now, so later deliveries are duplicates again
	time.Sleep(80 * time.Millisecond)
	result, err = env.coordinator.HandlePaymentCallback(ctx, callbackFor(order, "evt1"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackDuplicate, result.Status)
}
