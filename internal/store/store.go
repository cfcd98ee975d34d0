package store

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"
)

// Tx is the unit of work handed to WithTx callbacks. Every read of an order or
// inventory row inside a Tx holds that row until the Tx ends.
type Tx interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	AppendStatusHistory(ctx context.Context, orderID string, entry models.StatusHistoryEntry) error

	GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error)
	CreateInventory(ctx context.Context, rec *models.InventoryRecord) error
	UpdateInventory(ctx context.Context, rec *models.InventoryRecord) error
	AppendMovement(ctx context.Context, movement *models.StockMovement) error

	SetPaymentEventOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error
	EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error
}

// Repository is the data-access handle injected into every component
type Repository interface {
	// WithTx runs fn in a transaction. A non-nil error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error)
	ListInventory(ctx context.Context) ([]models.InventoryRecord, error)
	ListMovements(ctx context.Context, productID string) ([]models.StockMovement, error)

	// AdmitPaymentEvent atomically inserts a PROCESSING record, or re-admits one
	// marked INVALID or left PROCESSING for longer than lease. A lease <= 0 never
	// expires. Admitted is false when another admission owns the id.
	AdmitPaymentEvent(ctx context.Context, providerEventID, orderID string, lease time.Duration) (Admission, error)
	GetPaymentEvent(ctx context.Context, providerEventID string) (*models.PaymentEventRecord, error)
	SetPaymentEventOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error

	EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error
	// ClaimOutbox hands out up to limit undelivered messages with attempts left,
	// oldest first, and hides them from other claimers for claim.
	ClaimOutbox(ctx context.Context, limit, maxAttempts int, claim time.Duration) ([]models.OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error

	Ping(ctx context.Context) error
	Close() error
}

// Admission is the result of claiming a provider event
type Admission struct {
	Admitted bool
	// Reclaimed is set when the claim took over an expired PROCESSING record
	Reclaimed bool
}

// ErrPaymentEventNotFound is returned when no dedup record exists for an id
var ErrPaymentEventNotFound = errors.New("payment event not found")

// ErrDuplicatePaymentReference is returned when an external payment reference is already used
var ErrDuplicatePaymentReference = errors.New("external payment reference already used")

// ErrValidOutcomeExists is returned when an order already has a VALID payment event
var ErrValidOutcomeExists = errors.New("order already has a valid payment event")

var (
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)
