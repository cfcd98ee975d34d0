package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSubtotal(t *testing.T) {
	items := []models.LineItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.50")},
		{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("5")},
	}

	assert.True(t, decimal.RequireFromString("26.00").Equal(calculateSubtotal(items)))
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 5)
	env.stock(t, "p2", 5)

	order, err := env.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: "user-1",
		Items: []OrderItemRequest{
			{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
			{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("4.25")},
		},
		Tax:      decimal.RequireFromString("1.20"),
		Shipping: decimal.RequireFromString("3"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.True(t, decimal.RequireFromString("24.25").Equal(order.Totals.Subtotal))
	assert.True(t, decimal.RequireFromString("28.45").Equal(order.Totals.Total))

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.StatusHistory, 1)
	assert.Equal(t, checkoutActor, stored.StatusHistory[0].Actor)
	assert.Len(t, stored.LineItems, 2)

	assert.Equal(t, 2, env.record(t, "p1").ReservedCount)
	assert.Equal(t, 4, env.record(t, "p2").AvailableCount)
}

func TestCreateOrderLeavesNoPartialReservation(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	ctx := context.Background()
	env.stock(t, "p1", 5)
	env.stock(t, "p2", 1)

	_, err := env.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: "user-1",
		Items: []OrderItemRequest{
			{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(1)},
			{ProductID: "p2", Quantity: 3, UnitPrice: decimal.NewFromInt(1)},
		},
	})
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	p1 := env.record(t, "p1")
	assert.Equal(t, 5, p1.AvailableCount)
	assert.Equal(t, 0, p1.ReservedCount)
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t, acceptAll)
	env.stock(t, "p1", 5)

	tests := []struct {
		name string
		req  *CreateOrderRequest
		want error
	}{
		{"no user", &CreateOrderRequest{Items: []OrderItemRequest{{ProductID: "p1", Quantity: 1}}}, models.ErrInvalidOrder},
		{"no items", &CreateOrderRequest{UserID: "u"}, models.ErrInvalidOrder},
		{"zero quantity", &CreateOrderRequest{UserID: "u", Items: []OrderItemRequest{{ProductID: "p1"}}}, models.ErrInvalidQuantity},
		{"negative price", &CreateOrderRequest{UserID: "u", Items: []OrderItemRequest{{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}}, models.ErrInvalidOrder},
		{"negative tax", &CreateOrderRequest{UserID: "u", Items: []OrderItemRequest{{ProductID: "p1", Quantity: 1}}, Tax: decimal.NewFromInt(-1)}, models.ErrInvalidOrder},
		{"unknown product", &CreateOrderRequest{UserID: "u", Items: []OrderItemRequest{{ProductID: "nope", Quantity: 1}}}, models.ErrProductNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orders.CreateOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 5, env.record(t, "p1").AvailableCount)
}
