package service

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type verifierFunc func(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error)

func (f verifierFunc) Verify(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
	return f(ctx, cb)
}

// acceptAll verifies every callback with the amount it carries
var acceptAll = verifierFunc(func(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
	return &models.Verification{
		Valid:                    true,
		Amount:                   cb.Amount,
		ProviderEventID:          cb.ValidationID,
		OrderReference:           cb.TransactionID,
		ExternalPaymentReference: cb.BankTransactionID,
	}, nil
})

type testEnv struct {
	store       *store.MemoryStore
	locker      *lock.LocalLocker
	ledger      *InventoryLedger
	machine     *OrderStateMachine
	dedup       *PaymentDeduplicator
	orders      *OrderService
	coordinator *FulfillmentCoordinator
}

func newTestEnv(t *testing.T, verifier Verifier) *testEnv {
	t.Helper()
	util.SetLogger(zap.NewNop())

	s := store.NewMemoryStore()
	locker := lock.NewLocalLocker(time.Second)
	ledger := NewInventoryLedger(s, locker, nil)
	machine := NewOrderStateMachine(s, locker, ledger)
	dedup := NewPaymentDeduplicator(s, time.Minute)
	return &testEnv{
		store:       s,
		locker:      locker,
		ledger:      ledger,
		machine:     machine,
		dedup:       dedup,
		orders:      NewOrderService(s, locker, ledger),
		coordinator: NewFulfillmentCoordinator(s, verifier, dedup, machine, ledger, 200*time.Millisecond),
	}
}

func (e *testEnv) stock(t *testing.T, productID string, count int) {
	t.Helper()
	_, err := e.ledger.CreateRecord(context.Background(), productID, count)
	require.NoError(t, err)
}

func (e *testEnv) record(t *testing.T, productID string) *models.InventoryRecord {
	t.Helper()
	rec, err := e.store.GetInventory(context.Background(), productID)
	require.NoError(t, err)
	return rec
}

// placeOrder checks out one line per productID/quantity pair at 10.00 a unit
func (e *testEnv) placeOrder(t *testing.T, lines map[string]int) *models.Order {
	t.Helper()
	req := &CreateOrderRequest{UserID: "user-1"}
	for productID, qty := range lines {
		req.Items = append(req.Items, OrderItemRequest{
			ProductID: productID,
			Quantity:  qty,
			UnitPrice: decimal.NewFromInt(10),
		})
	}
	order, err := e.orders.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	return order
}

// replay sums every movement of productID
func (e *testEnv) replay(t *testing.T, productID string) int {
	t.Helper()
	movements, err := e.store.ListMovements(context.Background(), productID)
	require.NoError(t, err)
	sum := 0
	for _, m := range movements {
		sum += m.QuantityDelta
	}
	return sum
}

func (e *testEnv) outboxKinds() []models.OutboxKind {
	var kinds []models.OutboxKind
	for _, msg := range e.store.Outbox() {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

func callbackFor(order *models.Order, valID string) *models.PaymentCallback {
	return &models.PaymentCallback{
		TransactionID:     order.ID,
		ValidationID:      valID,
		Amount:            order.Totals.Total,
		Status:            models.CallbackStatusValid,
		BankTransactionID: "bank-" + valID,
	}
}
