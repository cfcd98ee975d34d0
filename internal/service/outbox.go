package service

import (
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
)

func newOutboxMessage(kind models.OutboxKind, orderID, userID string, payload interface{}) (*models.OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &models.OutboxMessage{
		Kind:    kind,
		OrderID: orderID,
		UserID:  userID,
		Payload: data,
	}, nil
}
