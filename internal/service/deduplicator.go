package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Decision is the deduplicator's verdict on a provider event
type Decision string

const (
	DecisionProcess       Decision = "PROCESS"
	DecisionSkipDuplicate Decision = "SKIP_DUPLICATE"
)

// staleReason labels alerts for admissions that were never resolved
const staleReason = "stale_processing"

// PaymentDeduplicator guarantees at-most-once side effects per provider event id
type PaymentDeduplicator struct {
	store  store.Repository
	lease  time.Duration
	logger *zap.Logger
}

// NewPaymentDeduplicator creates a new deduplicator. An admission left
// unresolved for longer than lease can be claimed again by a later delivery.
func NewPaymentDeduplicator(store store.Repository, lease time.Duration) *PaymentDeduplicator {
	return &PaymentDeduplicator{
		store:  store,
		lease:  lease,
		logger: util.GetLogger(),
	}
}

// Admit claims providerEventID for this caller. The check and the insert are one
// atomic store operation, so concurrent deliveries of one id admit exactly one.
func (d *PaymentDeduplicator) Admit(ctx context.Context, providerEventID, orderID string) (Decision, error) {
	ctx, span := util.StartSpan(ctx, "PaymentDeduplicator.Admit", "provider_event_id", providerEventID)
	defer span.End()

	adm, err := d.store.AdmitPaymentEvent(ctx, providerEventID, orderID, d.lease)
	if err != nil {
		return "", fmt.Errorf("failed to admit payment event: %w", err)
	}
	if adm.Reclaimed {
		d.alertStale(ctx, providerEventID, orderID)
	}
	if !adm.Admitted {
		d.logger.Info("Duplicate payment event skipped",
			zap.String("provider_event_id", providerEventID),
			zap.String("order_id", orderID))
		return DecisionSkipDuplicate, nil
	}
	return DecisionProcess, nil
}

// alertStale reports an admission whose holder never resolved it, usually a crash
// between admission and the outcome write
func (d *PaymentDeduplicator) alertStale(ctx context.Context, providerEventID, orderID string) {
	util.FulfillmentAlertsTotal.WithLabelValues(staleReason).Inc()
	d.logger.Error("Reclaimed unresolved payment event",
		zap.String("provider_event_id", providerEventID),
		zap.String("order_id", orderID),
		zap.Duration("lease", d.lease))

	msg, err := newOutboxMessage(models.OutboxFulfillmentFailed, orderID, "", models.AlertPayload{
		ProviderEventID: providerEventID,
		Reason:          fmt.Sprintf("payment event unresolved for more than %s, reprocessing", d.lease),
	})
	if err == nil {
		err = d.store.EnqueueOutbox(ctx, msg)
	}
	if err != nil {
		d.logger.Error("Failed to enqueue stale payment event alert",
			zap.String("provider_event_id", providerEventID),
			zap.Error(err))
	}
}

// MarkOutcome resolves an admitted event outside of a fulfillment transaction
func (d *PaymentDeduplicator) MarkOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error {
	if err := d.store.SetPaymentEventOutcome(ctx, providerEventID, outcome); err != nil {
		return fmt.Errorf("failed to mark payment event %s as %s: %w", providerEventID, outcome, err)
	}
	return nil
}

// markOutcomeTx resolves an admitted event inside tx so it commits with the fulfillment
func (d *PaymentDeduplicator) markOutcomeTx(ctx context.Context, tx store.Tx, providerEventID string, outcome models.PaymentEventOutcome) error {
	if err := tx.SetPaymentEventOutcome(ctx, providerEventID, outcome); err != nil {
		return fmt.Errorf("failed to mark payment event %s as %s: %w", providerEventID, outcome, err)
	}
	return nil
}

// Lookup returns the dedup record of a provider event
func (d *PaymentDeduplicator) Lookup(ctx context.Context, providerEventID string) (*models.PaymentEventRecord, error) {
	return d.store.GetPaymentEvent(ctx, providerEventID)
}
