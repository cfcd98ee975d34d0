package models

import "github.com/shopspring/decimal"

// Gateway callback statuses
const (
	CallbackStatusValid       = "VALID"
	CallbackStatusFailed      = "FAILED"
	CallbackStatusCancelled   = "CANCELLED"
	CallbackStatusUnattempted = "UNATTEMPTED"
	CallbackStatusExpired     = "EXPIRED"
)

// PaymentCallback is the typed shape of a gateway callback after adapter validation
type PaymentCallback struct {
	TransactionID     string          `json:"tran_id"`
	ValidationID      string          `json:"val_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	BankTransactionID string          `json:"bank_tran_id,omitempty"`
	Currency          string          `json:"currency,omitempty"`
}

// Verification is what the payment verifier learned from the provider
type Verification struct {
	Valid                    bool
	Amount                   decimal.Decimal
	ProviderEventID          string
	OrderReference           string
	ExternalPaymentReference string
}

// CallbackResult statuses
const (
	CallbackProcessed = "processed"
	CallbackDuplicate = "duplicate"
	CallbackRejected  = "rejected"
)

// CallbackResult is returned to whoever delivered a callback
type CallbackResult struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
}

// TransitionMetadata describes who moved an order and where
type TransitionMetadata struct {
	Actor       string `json:"actor"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}
