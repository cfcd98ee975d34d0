package service

import (
	"errors"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

var reasons = []struct {
	err    error
	reason string
}{
	{models.ErrInsufficientStock, "insufficient_stock"},
	{models.ErrInvalidRelease, "invalid_release"},
	{models.ErrInvalidConfirmation, "invalid_confirmation"},
	{models.ErrNegativeStock, "negative_stock"},
	{models.ErrInvalidQuantity, "invalid_quantity"},
	{models.ErrInvalidReason, "invalid_reason"},
	{models.ErrProductNotFound, "product_not_found"},
	{models.ErrProductExists, "product_exists"},
	{models.ErrInvalidTransition, "invalid_transition"},
	{models.ErrOrderNotFound, "order_not_found"},
	{models.ErrInvalidOrder, "invalid_order"},
	{models.ErrVerificationFailed, "verification_failed"},
	{models.ErrVerificationTimeout, "verification_timeout"},
	{models.ErrAmountMismatch, "amount_mismatch"},
	{models.ErrLockTimeout, "lock_timeout"},
	{store.ErrDuplicatePaymentReference, "duplicate_payment_reference"},
	{store.ErrValidOutcomeExists, "valid_outcome_exists"},
}

// ErrorReason returns a stable snake_case label for err, used in metrics and alerts
func ErrorReason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
