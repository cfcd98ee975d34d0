package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// AvailabilityCache holds committed inventory snapshots for fast availability reads
type AvailabilityCache interface {
	CacheInventory(ctx context.Context, rec *models.InventoryRecord) error
	GetInventory(ctx context.Context, productID string) (available, reserved int, err error)
	InvalidateInventory(ctx context.Context, productID string) error
}

// InventoryLedger owns stock counts and the movement history. All stock
// mutation in the service goes through it.
type InventoryLedger struct {
	store  store.Repository
	locker lock.Locker
	cache  AvailabilityCache
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger. cache may be nil.
func NewInventoryLedger(store store.Repository, locker lock.Locker, cache AvailabilityCache) *InventoryLedger {
	return &InventoryLedger{
		store:  store,
		locker: locker,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// CreateRecord creates the inventory record of a new product with its opening PURCHASE movement
func (l *InventoryLedger) CreateRecord(ctx context.Context, productID string, initialCount int) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.CreateRecord", "product_id", productID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	if productID == "" || initialCount < 0 {
		err = fmt.Errorf("%w: product %q initial count %d", models.ErrInvalidQuantity, productID, initialCount)
		return nil, err
	}

	var rec *models.InventoryRecord
	rec, err = l.mutate(ctx, "create", productID, func(tx store.Tx) (*models.InventoryRecord, error) {
		rec := &models.InventoryRecord{ProductID: productID, AvailableCount: initialCount}
		if err := tx.CreateInventory(ctx, rec); err != nil {
			return nil, err
		}
		if initialCount > 0 {
			if err := l.appendMovement(ctx, tx, productID, initialCount, models.MovementPurchase, "", "initial stock"); err != nil {
				return nil, err
			}
		}
		return rec, nil
	})
	return rec, err
}

// Reserve places a provisional hold. No movement is written.
func (l *InventoryLedger) Reserve(ctx context.Context, productID string, quantity int) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve", "product_id", productID)
	rec, err := l.mutate(ctx, "reserve", productID, func(tx store.Tx) (*models.InventoryRecord, error) {
		return l.reserveTx(ctx, tx, productID, quantity)
	})
	util.EndSpan(span, err)
	return rec, err
}

// Release reverses a prior reservation
func (l *InventoryLedger) Release(ctx context.Context, productID string, quantity int) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release", "product_id", productID)
	rec, err := l.mutate(ctx, "release", productID, func(tx store.Tx) (*models.InventoryRecord, error) {
		return l.releaseTx(ctx, tx, productID, quantity)
	})
	util.EndSpan(span, err)
	return rec, err
}

// ConfirmSale converts a reservation into a SOLD movement
func (l *InventoryLedger) ConfirmSale(ctx context.Context, productID string, quantity int, orderID string) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ConfirmSale", "product_id", productID, "order_id", orderID)
	rec, err := l.mutate(ctx, "confirm_sale", productID, func(tx store.Tx) (*models.InventoryRecord, error) {
		return l.confirmSaleTx(ctx, tx, productID, quantity, orderID)
	})
	util.EndSpan(span, err)
	return rec, err
}

// Adjust applies an administrative correction
func (l *InventoryLedger) Adjust(ctx context.Context, productID string, delta int, reason models.MovementReason, note string) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Adjust", "product_id", productID, "reason", string(reason))
	rec, err := l.mutate(ctx, "adjust", productID, func(tx store.Tx) (*models.InventoryRecord, error) {
		return l.adjustTx(ctx, tx, productID, delta, reason, note)
	})
	util.EndSpan(span, err)
	if err == nil {
		l.logger.Info("Stock adjusted",
			zap.String("product_id", productID),
			zap.Int("delta", delta),
			zap.String("reason", string(reason)),
			zap.Int("available", rec.AvailableCount))
	}
	return rec, err
}

// CheckAvailability reports whether quantity units are available. It reads the
// cache first and falls back to the store on a miss.
func (l *InventoryLedger) CheckAvailability(ctx context.Context, productID string, quantity int) (bool, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.CheckAvailability", "product_id", productID)
	defer span.End()

	if quantity <= 0 {
		return false, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}

	if l.cache != nil {
		available, _, err := l.cache.GetInventory(ctx, productID)
		if err == nil {
			return available >= quantity, nil
		}
		l.logger.Debug("Availability cache miss",
			zap.String("product_id", productID),
			zap.Error(err))
	}

	rec, err := l.store.GetInventory(ctx, productID)
	if err != nil {
		return false, err
	}
	l.refresh(ctx, rec)
	return rec.AvailableCount >= quantity, nil
}

// GetRecord returns the current inventory record of a product
func (l *InventoryLedger) GetRecord(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	return l.store.GetInventory(ctx, productID)
}

// Movements returns the movement history of a product
func (l *InventoryLedger) Movements(ctx context.Context, productID string) ([]models.StockMovement, error) {
	if _, err := l.store.GetInventory(ctx, productID); err != nil {
		return nil, err
	}
	return l.store.ListMovements(ctx, productID)
}

// WarmCache loads every inventory record into the availability cache
func (l *InventoryLedger) WarmCache(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	l.logger.Info("Starting inventory cache warm-up")

	records, err := l.store.ListInventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}
	for i := range records {
		l.refresh(ctx, &records[i])
	}

	l.logger.Info("Inventory cache warm-up completed", zap.Int("count", len(records)))
	return nil
}

// mutate runs fn under the product lock in its own transaction, then refreshes the cache
func (l *InventoryLedger) mutate(ctx context.Context, op, productID string, fn func(tx store.Tx) (*models.InventoryRecord, error)) (*models.InventoryRecord, error) {
	release, err := l.locker.Acquire(ctx, lock.ProductKey(productID))
	if err != nil {
		util.InventoryOperationsFailed.WithLabelValues(op, ErrorReason(err)).Inc()
		return nil, err
	}
	defer release()

	var rec *models.InventoryRecord
	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = fn(tx)
		return err
	})
	if err != nil {
		util.InventoryOperationsFailed.WithLabelValues(op, ErrorReason(err)).Inc()
		return nil, err
	}

	l.refresh(ctx, rec)
	return rec, nil
}

// refresh pushes committed snapshots to the cache. A snapshot that cannot be
// written is dropped so reads fall back to the store. Cache errors never fail the caller.
func (l *InventoryLedger) refresh(ctx context.Context, records ...*models.InventoryRecord) {
	if l.cache == nil {
		return
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := l.cache.CacheInventory(ctx, rec); err != nil {
			l.logger.Warn("Failed to refresh availability cache",
				zap.String("product_id", rec.ProductID),
				zap.Error(err))
			if err := l.cache.InvalidateInventory(ctx, rec.ProductID); err != nil {
				l.logger.Error("Failed to drop stale availability snapshot",
					zap.String("product_id", rec.ProductID),
					zap.Error(err))
			}
		}
	}
}

func (l *InventoryLedger) load(ctx context.Context, tx store.Tx, productID string) (*models.InventoryRecord, error) {
	rec, err := tx.GetInventory(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	return rec, nil
}

func (l *InventoryLedger) save(ctx context.Context, tx store.Tx, rec *models.InventoryRecord) error {
	if err := tx.UpdateInventory(ctx, rec); err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}
	return nil
}

func (l *InventoryLedger) appendMovement(ctx context.Context, tx store.Tx, productID string, delta int, reason models.MovementReason, orderID, note string) error {
	m := &models.StockMovement{
		ProductID:        productID,
		QuantityDelta:    delta,
		Reason:           reason,
		ReferenceOrderID: orderID,
		Note:             note,
	}
	if err := tx.AppendMovement(ctx, m); err != nil {
		return err
	}
	util.StockMovementsTotal.WithLabelValues(string(reason)).Inc()
	return nil
}

func stockError(err error, rec *models.InventoryRecord, quantity int) error {
	return fmt.Errorf("%w: product %s available=%d reserved=%d requested=%d",
		err, rec.ProductID, rec.AvailableCount, rec.ReservedCount, quantity)
}

// The *Tx variants below assume the caller holds the product lock and owns tx.

func (l *InventoryLedger) reserveTx(ctx context.Context, tx store.Tx, productID string, quantity int) (*models.InventoryRecord, error) {
	rec, err := l.load(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := rec.Reserve(quantity); err != nil {
		return nil, stockError(err, rec, quantity)
	}
	if err := l.save(ctx, tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *InventoryLedger) releaseTx(ctx context.Context, tx store.Tx, productID string, quantity int) (*models.InventoryRecord, error) {
	rec, err := l.load(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := rec.Release(quantity); err != nil {
		return nil, stockError(err, rec, quantity)
	}
	if err := l.save(ctx, tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *InventoryLedger) confirmSaleTx(ctx context.Context, tx store.Tx, productID string, quantity int, orderID string) (*models.InventoryRecord, error) {
	rec, err := l.load(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := rec.ConfirmSale(quantity); err != nil {
		return nil, stockError(err, rec, quantity)
	}
	if err := l.save(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := l.appendMovement(ctx, tx, productID, -quantity, models.MovementSold, orderID, ""); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *InventoryLedger) returnSaleTx(ctx context.Context, tx store.Tx, productID string, quantity int, orderID string) (*models.InventoryRecord, error) {
	rec, err := l.load(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := rec.Return(quantity); err != nil {
		return nil, stockError(err, rec, quantity)
	}
	if err := l.save(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := l.appendMovement(ctx, tx, productID, quantity, models.MovementReturn, orderID, "order cancelled"); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *InventoryLedger) adjustTx(ctx context.Context, tx store.Tx, productID string, delta int, reason models.MovementReason, note string) (*models.InventoryRecord, error) {
	if !reason.Adjustable() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidReason, reason)
	}
	rec, err := l.load(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := rec.Adjust(delta); err != nil {
		return nil, stockError(err, rec, delta)
	}
	if err := l.save(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := l.appendMovement(ctx, tx, productID, delta, reason, "", note); err != nil {
		return nil, err
	}
	return rec, nil
}
