package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// checkoutActor is recorded in the first history entry of every order
const checkoutActor = "checkout"

// OrderService handles checkout: it creates PENDING orders with their stock reserved
type OrderService struct {
	store  store.Repository
	locker lock.Locker
	ledger *InventoryLedger
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(store store.Repository, locker lock.Locker, ledger *InventoryLedger) *OrderService {
	return &OrderService{
		store:  store,
		locker: locker,
		ledger: ledger,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID   string             `json:"user_id" binding:"required"`
	Items    []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Tax      decimal.Decimal    `json:"tax"`
	Shipping decimal.Decimal    `json:"shipping"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateOrder reserves every line and inserts the PENDING order in one transaction.
// A line that cannot be reserved fails the whole order with nothing held.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", "user_id", req.UserID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = validateOrderRequest(req); err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		LineItems:     make([]models.LineItem, 0, len(req.Items)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range req.Items {
		order.LineItems = append(order.LineItems, models.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	subtotal := calculateSubtotal(order.LineItems)
	order.Totals = models.Totals{
		Subtotal: subtotal,
		Tax:      req.Tax,
		Shipping: req.Shipping,
		Total:    subtotal.Add(req.Tax).Add(req.Shipping),
	}
	order.StatusHistory = []models.StatusHistoryEntry{{
		Status:      models.OrderStatusPending,
		Timestamp:   now,
		Actor:       checkoutActor,
		Description: "Order placed",
	}}

	keys := make([]string, 0, len(order.LineItems))
	for _, productID := range order.ProductIDs() {
		keys = append(keys, lock.ProductKey(productID))
	}
	var release func()
	release, err = s.locker.Acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	var touched []*models.InventoryRecord
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		for _, item := range order.LineItems {
			rec, err := s.ledger.reserveTx(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return fmt.Errorf("line %s: %w", item.ProductID, err)
			}
			touched = append(touched, rec)
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		util.InventoryOperationsFailed.WithLabelValues("checkout", ErrorReason(err)).Inc()
		return nil, err
	}

	s.ledger.refresh(ctx, touched...)
	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Totals.Total.String()))
	return order, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

func validateOrderRequest(req *CreateOrderRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", models.ErrInvalidOrder)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one line item is required", models.ErrInvalidOrder)
	}
	if req.Tax.IsNegative() || req.Shipping.IsNegative() {
		return fmt.Errorf("%w: tax and shipping must not be negative", models.ErrInvalidOrder)
	}
	for _, item := range req.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: product id is required", models.ErrInvalidOrder)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: product %s quantity %d", models.ErrInvalidQuantity, item.ProductID, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: product %s has a negative unit price", models.ErrInvalidOrder, item.ProductID)
		}
	}
	return nil
}

// calculateSubtotal calculates the sum of quantity*unitPrice over the lines
func calculateSubtotal(items []models.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
