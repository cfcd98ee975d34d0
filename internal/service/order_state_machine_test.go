package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pathTo lists the transitions that bring a fresh PENDING order to status
var pathTo = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:    nil,
	models.OrderStatusConfirmed:  {models.OrderStatusConfirmed},
	models.OrderStatusProcessing: {models.OrderStatusConfirmed, models.OrderStatusProcessing},
	models.OrderStatusShipped:    {models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped},
	models.OrderStatusDelivered:  {models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered},
	models.OrderStatusCancelled:  {models.OrderStatusCancelled},
}

func orderIn(t *testing.T, env *testEnv, status models.OrderStatus) *models.Order {
	t.Helper()
	order := env.placeOrder(t, map[string]int{"p1": 2})
	for _, step := range pathTo[status] {
		var err error
		order, err = env.machine.ApplyTransition(context.Background(), order.ID, step, models.TransitionMetadata{Actor: "test"})
		require.NoError(t, err)
	}
	return order
}

func TestTransitionTable(t *testing.T) {
	allowed := map[models.OrderStatus][]models.OrderStatus{
		models.OrderStatusPending:    {models.OrderStatusConfirmed, models.OrderStatusCancelled},
		models.OrderStatusConfirmed:  {models.OrderStatusProcessing, models.OrderStatusCancelled},
		models.OrderStatusProcessing: {models.OrderStatusShipped, models.OrderStatusCancelled},
		models.OrderStatusShipped:    {models.OrderStatusDelivered},
	}

	for _, from := range models.AllOrderStatuses() {
		for _, to := range models.AllOrderStatuses() {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				env := newTestEnv(t, acceptAll)
				env.stock(t, "p1", 10)
				order := orderIn(t, env, from)
				historyBefore := len(order.StatusHistory)

				updated, err := env.machine.ApplyTransition(context.Background(), order.ID, to, models.TransitionMetadata{
					Actor:    "operator",
					Location: "warehouse-1",
				})

				if contains(allowed[from], to) {
					require.NoError(t, err)
					assert.Equal(t, to, updated.Status)
					require.Len(t, updated.StatusHistory, historyBefore+1)
					last := updated.StatusHistory[historyBefore]
					assert.Equal(t, to, last.Status)
					assert.Equal(t, "operator", last.Actor)
					assert.Equal(t, "warehouse-1", last.Location)
					return
				}

				assert.ErrorIs(t, err, models.ErrInvalidTransition)
				stored, err := env.store.GetOrder(context.Background(), order.ID)
				require.NoError(t, err)
				assert.Equal(t, from, stored.Status)
				assert.Len(t, stored.StatusHistory, historyBefore)
			})
		}
	}
}

func contains(list []models.OrderStatus, s models.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestTransitionUnknownOrder(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	_, err := env.machine.ApplyTransition(context.Background(), "nope", models.OrderStatusConfirmed, models.TransitionMetadata{})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	_, err = env.machine.ApplyTransition(context.Background(), "nope", models.OrderStatus("LOST"), models.TransitionMetadata{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestTransitionStockEffects(t *testing.T) {
	t.Run("pending cancel releases the reservation", func(t *testing.T) {
		env := newTestEnv(t, acceptAll)
		env.stock(t, "p1", 10)
		order := orderIn(t, env, models.OrderStatusCancelled)

		rec := env.record(t, "p1")
		assert.Equal(t, 10, rec.AvailableCount)
		assert.Equal(t, 0, rec.ReservedCount)
		assert.Equal(t, 10, env.replay(t, "p1"))
		assert.Equal(t, models.PaymentStatusCancelled, order.PaymentStatus)
	})

	t.Run("confirm sells the reservation", func(t *testing.T) {
		env := newTestEnv(t, acceptAll)
		env.stock(t, "p1", 10)
		orderIn(t, env, models.OrderStatusConfirmed)

		rec := env.record(t, "p1")
		assert.Equal(t, 8, rec.AvailableCount)
		assert.Equal(t, 0, rec.ReservedCount)
		assert.Equal(t, 8, env.replay(t, "p1"))
	})

	t.Run("cancel after confirmation returns the units", func(t *testing.T) {
		env := newTestEnv(t, acceptAll)
		env.stock(t, "p1", 10)
		order := orderIn(t, env, models.OrderStatusProcessing)

		_, err := env.machine.ApplyTransition(context.Background(), order.ID, models.OrderStatusCancelled, models.TransitionMetadata{Actor: "operator"})
		require.NoError(t, err)

		rec := env.record(t, "p1")
		assert.Equal(t, 10, rec.AvailableCount)
		assert.Equal(t, 10, env.replay(t, "p1"))

		movements, err := env.ledger.Movements(context.Background(), "p1")
		require.NoError(t, err)
		last := movements[len(movements)-1]
		assert.Equal(t, models.MovementReturn, last.Reason)
		assert.Equal(t, 2, last.QuantityDelta)
		assert.Equal(t, order.ID, last.ReferenceOrderID)
	})

	t.Run("every transition notifies", func(t *testing.T) {
		env := newTestEnv(t, acceptAll)
		env.stock(t, "p1", 10)
		orderIn(t, env, models.OrderStatusDelivered)

		kinds := env.outboxKinds()
		assert.Len(t, kinds, 4)
		for _, k := range kinds {
			assert.Equal(t, models.OutboxOrderStatusChanged, k)
		}
	})
}

func TestTransitionRollsBackOnStockFailure(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	env.stock(t, "p1", 10)
	order := env.placeOrder(t, map[string]int{"p1": 2})

	// an out-of-band release leaves nothing to confirm
	_, err := env.ledger.Release(context.Background(), "p1", 2)
	require.NoError(t, err)

	_, err = env.machine.ApplyTransition(context.Background(), order.ID, models.OrderStatusConfirmed, models.TransitionMetadata{Actor: "operator"})
	assert.ErrorIs(t, err, models.ErrInvalidConfirmation)

	stored, err := env.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Len(t, stored.StatusHistory, 1)
	assert.Empty(t, env.outboxKinds())
	assert.Equal(t, 10, env.replay(t, "p1"))
}
