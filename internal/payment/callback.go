// Package payment adapts the payment gateway: callback payloads in, validation lookups out.
package payment

import (
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidCallback is returned when a callback payload fails schema validation
var ErrInvalidCallback = errors.New("invalid payment callback")

// CallbackForm is the raw gateway callback, bound from a form post or a JSON message
type CallbackForm struct {
	TransactionID     string `form:"tran_id" json:"tran_id" binding:"required"`
	ValidationID      string `form:"val_id" json:"val_id" binding:"required"`
	Amount            string `form:"amount" json:"amount" binding:"required"`
	Status            string `form:"status" json:"status" binding:"required"`
	BankTransactionID string `form:"bank_tran_id" json:"bank_tran_id"`
	Currency          string `form:"currency" json:"currency"`
}

var knownStatuses = map[string]bool{
	models.CallbackStatusValid:       true,
	models.CallbackStatusFailed:      true,
	models.CallbackStatusCancelled:   true,
	models.CallbackStatusUnattempted: true,
	models.CallbackStatusExpired:     true,
}

// ParseCallback validates the form and returns its typed shape. A status other
// than VALID is reported as ErrVerificationFailed and never reaches the gateway.
func ParseCallback(f *CallbackForm) (*models.PaymentCallback, error) {
	if f.TransactionID == "" || f.ValidationID == "" {
		return nil, fmt.Errorf("%w: tran_id and val_id are required", ErrInvalidCallback)
	}

	amount, err := decimal.NewFromString(f.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidCallback, f.Amount, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidCallback, f.Amount)
	}

	if !knownStatuses[f.Status] {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, f.Status)
	}

	cb := &models.PaymentCallback{
		TransactionID:     f.TransactionID,
		ValidationID:      f.ValidationID,
		Amount:            amount,
		Status:            f.Status,
		BankTransactionID: f.BankTransactionID,
		Currency:          f.Currency,
	}
	if cb.Status != models.CallbackStatusValid {
		return cb, fmt.Errorf("%w: gateway reported %s", models.ErrVerificationFailed, cb.Status)
	}
	return cb, nil
}
