package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes mapped to domain errors
const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
	pqCheckViolation   = "23514"
)

// PostgresStore is the Repository backed by Postgres
type PostgresStore struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewPostgresStore connects to Postgres. lockTimeout bounds row-lock waits inside transactions.
func NewPostgresStore(databaseURL string, lockTimeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db, lockTimeout: lockTimeout}, nil
}

// Migrate creates the tables this service owns
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction with a bounded lock wait
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return translateError(err)
	}

	if err := tx.Commit(); err != nil {
		return translateError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// translateError maps driver errors onto domain errors, keeping the original in the chain
func translateError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case pqLockNotAvailable:
		return fmt.Errorf("%w: %v", models.ErrLockTimeout, err)
	case pqCheckViolation:
		return fmt.Errorf("%w: %v", models.ErrNegativeStock, err)
	case pqUniqueViolation:
		switch pqErr.Constraint {
		case "orders_external_payment_reference_key":
			return fmt.Errorf("%w: %v", ErrDuplicatePaymentReference, err)
		case "idx_payment_events_one_valid":
			return fmt.Errorf("%w: %v", ErrValidOutcomeExists, err)
		case "inventory_pkey":
			return fmt.Errorf("%w: %v", models.ErrProductExists, err)
		}
	}
	return err
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) error {
	return createOrder(ctx, t.tx, order)
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	return updateOrder(ctx, t.tx, order)
}

func (t *pgTx) AppendStatusHistory(ctx context.Context, orderID string, entry models.StatusHistoryEntry) error {
	return appendStatusHistory(ctx, t.tx, orderID, entry)
}

func (t *pgTx) GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	return getInventory(ctx, t.tx, productID, true)
}

func (t *pgTx) CreateInventory(ctx context.Context, rec *models.InventoryRecord) error {
	return createInventory(ctx, t.tx, rec)
}

func (t *pgTx) UpdateInventory(ctx context.Context, rec *models.InventoryRecord) error {
	return updateInventory(ctx, t.tx, rec)
}

func (t *pgTx) AppendMovement(ctx context.Context, movement *models.StockMovement) error {
	return appendMovement(ctx, t.tx, movement)
}

func (t *pgTx) SetPaymentEventOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error {
	return setPaymentEventOutcome(ctx, t.tx, providerEventID, outcome)
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	return enqueueOutbox(ctx, t.tx, msg)
}
