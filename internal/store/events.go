package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// AdmitPaymentEvent inserts or re-admits a provider event in a single statement.
// prior reads the pre-statement snapshot and only tells a reclaim from a re-admission.
func (s *PostgresStore) AdmitPaymentEvent(ctx context.Context, providerEventID, orderID string, lease time.Duration) (Admission, error) {
	var prior string
	err := s.db.GetContext(ctx, &prior, `
		WITH prior AS (
		    SELECT outcome FROM payment_events WHERE provider_event_id = $1
		)
		INSERT INTO payment_events (provider_event_id, order_id, outcome, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider_event_id) DO UPDATE
		    SET outcome = EXCLUDED.outcome, order_id = EXCLUDED.order_id, processed_at = NOW()
		    WHERE payment_events.outcome = $4
		       OR ($5::bigint > 0
		           AND payment_events.outcome = $3
		           AND payment_events.processed_at <= NOW() - $5::bigint * INTERVAL '1 millisecond')
		RETURNING COALESCE((SELECT outcome FROM prior), '')`,
		providerEventID, orderID, models.OutcomeProcessing, models.OutcomeInvalid, lease.Milliseconds())
	if err == nil {
		return Admission{
			Admitted:  true,
			Reclaimed: prior == string(models.OutcomeProcessing),
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Admission{}, fmt.Errorf("failed to admit payment event: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE payment_events SET duplicate_count = duplicate_count + 1 WHERE provider_event_id = $1",
		providerEventID); err != nil {
		return Admission{}, fmt.Errorf("failed to count duplicate payment event: %w", err)
	}
	return Admission{}, nil
}

// GetPaymentEvent retrieves the dedup record of a provider event
func (s *PostgresStore) GetPaymentEvent(ctx context.Context, providerEventID string) (*models.PaymentEventRecord, error) {
	var rec models.PaymentEventRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT provider_event_id, order_id, outcome, duplicate_count, processed_at
		FROM payment_events WHERE provider_event_id = $1`, providerEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentEventNotFound, providerEventID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetPaymentEventOutcome resolves a provider event outside of any transaction
func (s *PostgresStore) SetPaymentEventOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error {
	return translateError(setPaymentEventOutcome(ctx, s.db, providerEventID, outcome))
}

func setPaymentEventOutcome(ctx context.Context, q sqlx.ExtContext, providerEventID string, outcome models.PaymentEventOutcome) error {
	res, err := q.ExecContext(ctx,
		"UPDATE payment_events SET outcome = $1, processed_at = NOW() WHERE provider_event_id = $2",
		outcome, providerEventID)
	if err != nil {
		return fmt.Errorf("failed to set payment event outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPaymentEventNotFound, providerEventID)
	}
	return nil
}

type outboxRow struct {
	ID          int64      `db:"id"`
	Kind        string     `db:"kind"`
	OrderID     string     `db:"order_id"`
	UserID      string     `db:"user_id"`
	Payload     []byte     `db:"payload"`
	Attempts    int        `db:"attempts"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	DeliveredAt *time.Time `db:"delivered_at"`
}

// EnqueueOutbox writes a delivery intent outside of any transaction
func (s *PostgresStore) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	return enqueueOutbox(ctx, s.db, msg)
}

func enqueueOutbox(ctx context.Context, q sqlx.ExtContext, msg *models.OutboxMessage) error {
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	err := sqlx.GetContext(ctx, q, msg, `
		INSERT INTO outbox (kind, order_id, user_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		msg.Kind, msg.OrderID, msg.UserID, []byte(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

// ClaimOutbox stamps claimed_until on a batch of deliverable rows. SKIP LOCKED keeps
// concurrent relays on disjoint batches.
func (s *PostgresStore) ClaimOutbox(ctx context.Context, limit, maxAttempts int, claim time.Duration) ([]models.OutboxMessage, error) {
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE outbox SET claimed_until = NOW() + $3::bigint * INTERVAL '1 millisecond'
		WHERE id IN (
		    SELECT id FROM outbox
		    WHERE delivered_at IS NULL AND attempts < $1
		      AND (claimed_until IS NULL OR claimed_until <= NOW())
		    ORDER BY id
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, order_id, user_id, payload, attempts, last_error, created_at, delivered_at`,
		maxAttempts, limit, claim.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	messages := make([]models.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, models.OutboxMessage{
			ID:          r.ID,
			Kind:        models.OutboxKind(r.Kind),
			OrderID:     r.OrderID,
			UserID:      r.UserID,
			Payload:     json.RawMessage(r.Payload),
			Attempts:    r.Attempts,
			LastError:   r.LastError,
			CreatedAt:   r.CreatedAt,
			DeliveredAt: r.DeliveredAt,
		})
	}
	return messages, nil
}

// MarkOutboxDelivered marks a message as delivered
func (s *PostgresStore) MarkOutboxDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE outbox SET delivered_at = NOW(), claimed_until = NULL WHERE id = $1", id)
	return err
}

// MarkOutboxFailed records a failed delivery attempt
func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET attempts = attempts + 1, last_error = $1, claimed_until = NULL WHERE id = $2", reason, id)
	return err
}
