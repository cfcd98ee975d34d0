package models

import (
	"encoding/json"
	"time"
)

// OutboxKind identifies what an outbox message asks a collaborator to do
type OutboxKind string

// Outbox kinds
const (
	OutboxCartClear          OutboxKind = "CART_CLEAR"
	OutboxPaymentConfirmed   OutboxKind = "NOTIFY_PAYMENT_CONFIRMED"
	OutboxOrderStatusChanged OutboxKind = "NOTIFY_ORDER_STATUS_CHANGED"
	OutboxFulfillmentFailed  OutboxKind = "ALERT_FULFILLMENT_FAILED"
)

// IsNotification reports whether the kind is delivered to the notification collaborator
func (k OutboxKind) IsNotification() bool {
	return k == OutboxPaymentConfirmed || k == OutboxOrderStatusChanged
}

// OutboxMessage is a delivery intent written in the same transaction as the change that caused it
type OutboxMessage struct {
	ID          int64           `db:"id" json:"id"`
	Kind        OutboxKind      `db:"kind" json:"kind"`
	OrderID     string          `db:"order_id" json:"order_id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Attempts    int             `db:"attempts" json:"attempts"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	DeliveredAt *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
}

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationEvent is published for the notification collaborator
type NotificationEvent struct {
	BaseEvent
	OrderID string          `json:"order_id"`
	UserID  string          `json:"user_id,omitempty"`
	Kind    OutboxKind      `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CartClearCommand asks the cart collaborator to empty a user's cart
type CartClearCommand struct {
	BaseEvent
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id,omitempty"`
}

// FulfillmentAlertEvent surfaces a failed auto-confirmation to operators
type FulfillmentAlertEvent struct {
	BaseEvent
	OrderID         string `json:"order_id"`
	ProviderEventID string `json:"provider_event_id"`
	Reason          string `json:"reason"`
}

// StatusChangedPayload is the outbox payload of NOTIFY_ORDER_STATUS_CHANGED
type StatusChangedPayload struct {
	From        OrderStatus `json:"from"`
	To          OrderStatus `json:"to"`
	Actor       string      `json:"actor,omitempty"`
	Location    string      `json:"location,omitempty"`
	Description string      `json:"description,omitempty"`
}

// PaymentConfirmedPayload is the outbox payload of NOTIFY_PAYMENT_CONFIRMED
type PaymentConfirmedPayload struct {
	ProviderEventID          string `json:"provider_event_id"`
	ExternalPaymentReference string `json:"external_payment_reference"`
	Amount                   string `json:"amount"`
}

// AlertPayload is the outbox payload of ALERT_FULFILLMENT_FAILED
type AlertPayload struct {
	ProviderEventID string `json:"provider_event_id"`
	Reason          string `json:"reason"`
}
