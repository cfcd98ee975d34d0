package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the fulfillment state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// PaymentStatus is the payment state of an order
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// TotalTolerance is the allowed rounding drift between total and its parts.
var TotalTolerance = decimal.New(1, -2)

// Totals holds the monetary breakdown of an order
type Totals struct {
	Subtotal decimal.Decimal `db:"subtotal" json:"subtotal"`
	Tax      decimal.Decimal `db:"tax" json:"tax"`
	Shipping decimal.Decimal `db:"shipping" json:"shipping"`
	Total    decimal.Decimal `db:"total" json:"total"`
}

// Validate checks that no part is negative and total matches subtotal+tax+shipping
func (t Totals) Validate() error {
	for _, v := range []decimal.Decimal{t.Subtotal, t.Tax, t.Shipping, t.Total} {
		if v.IsNegative() {
			return ErrInvalidOrder
		}
	}
	sum := t.Subtotal.Add(t.Tax).Add(t.Shipping)
	if sum.Sub(t.Total).Abs().GreaterThan(TotalTolerance) {
		return ErrInvalidOrder
	}
	return nil
}

// LineItem is an entry of an order. Owned by its order.
type LineItem struct {
	ProductID string          `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// StatusHistoryEntry records one applied transition
type StatusHistoryEntry struct {
	Status      OrderStatus `db:"status" json:"status"`
	Timestamp   time.Time   `db:"created_at" json:"timestamp"`
	Actor       string      `db:"actor" json:"actor"`
	Location    string      `db:"location" json:"location,omitempty"`
	Description string      `db:"description" json:"description,omitempty"`
}

// Order represents a customer order
type Order struct {
	ID                       string               `db:"id" json:"id"`
	UserID                   string               `db:"user_id" json:"user_id"`
	Status                   OrderStatus          `db:"status" json:"status"`
	PaymentStatus            PaymentStatus        `db:"payment_status" json:"payment_status"`
	ExternalPaymentReference string               `db:"external_payment_reference" json:"external_payment_reference,omitempty"`
	Totals                   Totals               `db:"-" json:"totals"`
	LineItems                []LineItem           `db:"-" json:"line_items"`
	StatusHistory            []StatusHistoryEntry `db:"-" json:"status_history"`
	CreatedAt                time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time            `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	c.LineItems = append([]LineItem(nil), o.LineItems...)
	c.StatusHistory = append([]StatusHistoryEntry(nil), o.StatusHistory...)
	return &c
}

// ProductIDs returns the distinct product ids referenced by the order
func (o *Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.LineItems))
	ids := make([]string, 0, len(o.LineItems))
	for _, item := range o.LineItems {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// InventoryRecord represents product stock
type InventoryRecord struct {
	ProductID      string    `db:"product_id" json:"product_id"`
	AvailableCount int       `db:"available_count" json:"available_count"`
	ReservedCount  int       `db:"reserved_count" json:"reserved_count"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// MovementReason classifies a stock movement
type MovementReason string

// Movement reasons
const (
	MovementPurchase   MovementReason = "PURCHASE"
	MovementSold       MovementReason = "SOLD"
	MovementAdjustment MovementReason = "ADJUSTMENT"
	MovementReturn     MovementReason = "RETURN"
)

// StockMovement is an immutable entry in the stock ledger
type StockMovement struct {
	ID               int64          `db:"id" json:"id"`
	ProductID        string         `db:"product_id" json:"product_id"`
	QuantityDelta    int            `db:"quantity_delta" json:"quantity_delta"`
	Reason           MovementReason `db:"reason" json:"reason"`
	ReferenceOrderID string         `db:"reference_order_id" json:"reference_order_id,omitempty"`
	Note             string         `db:"note" json:"note,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// PaymentEventOutcome is the resolution of a provider event
type PaymentEventOutcome string

// Payment event outcomes
const (
	OutcomeProcessing PaymentEventOutcome = "PROCESSING"
	OutcomeValid      PaymentEventOutcome = "VALID"
	OutcomeInvalid    PaymentEventOutcome = "INVALID"
)

// PaymentEventRecord is the dedup ledger entry for a provider event id
type PaymentEventRecord struct {
	ProviderEventID string              `db:"provider_event_id" json:"provider_event_id"`
	OrderID         string              `db:"order_id" json:"order_id"`
	Outcome         PaymentEventOutcome `db:"outcome" json:"outcome"`
	DuplicateCount  int                 `db:"duplicate_count" json:"duplicate_count"`
	ProcessedAt     time.Time           `db:"processed_at" json:"processed_at"`
}
