package broker

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
)

// Event types published by the service
const (
	EventTypeCartClear        = "CartClear"
	EventTypeNotification     = "Notification"
	EventTypeFulfillmentAlert = "FulfillmentAlert"
)

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// CartClient asks the cart service to empty a cart through the cart-commands topic
type CartClient struct {
	producer *Producer
}

// NewCartClient creates a new cart client
func NewCartClient(producer *Producer) *CartClient {
	return &CartClient{producer: producer}
}

// Clear publishes a CartClear command for userID after orderID was paid
func (c *CartClient) Clear(ctx context.Context, userID, orderID string) error {
	cmd := &models.CartClearCommand{
		BaseEvent: newBaseEvent(EventTypeCartClear),
		UserID:    userID,
		OrderID:   orderID,
	}
	return c.producer.PublishEvent(ctx, "user-"+userID, cmd)
}

// Notifier publishes customer notifications to the notifications topic
type Notifier struct {
	producer *Producer
}

// NewNotifier creates a new notifier
func NewNotifier(producer *Producer) *Notifier {
	return &Notifier{producer: producer}
}

// Notify publishes a notification of kind about orderID to userID
func (n *Notifier) Notify(ctx context.Context, orderID, userID string, kind models.OutboxKind, data json.RawMessage) error {
	event := &models.NotificationEvent{
		BaseEvent: newBaseEvent(EventTypeNotification),
		OrderID:   orderID,
		UserID:    userID,
		Kind:      kind,
		Data:      data,
	}
	return n.producer.PublishEvent(ctx, "order-"+orderID, event)
}

// Alerter publishes operator alerts to the fulfillment-alerts topic
type Alerter struct {
	producer *Producer
}

// NewAlerter creates a new alerter
func NewAlerter(producer *Producer) *Alerter {
	return &Alerter{producer: producer}
}

// Alert publishes a failed auto-confirmation of orderID
func (a *Alerter) Alert(ctx context.Context, orderID string, payload models.AlertPayload) error {
	event := &models.FulfillmentAlertEvent{
		BaseEvent:       newBaseEvent(EventTypeFulfillmentAlert),
		OrderID:         orderID,
		ProviderEventID: payload.ProviderEventID,
		Reason:          payload.Reason,
	}
	return a.producer.PublishEvent(ctx, "order-"+orderID, event)
}
