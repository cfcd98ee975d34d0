package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
)

// MemoryStore is an in-process Repository. Transactions are serialized by a
// single mutex and staged in an overlay that is applied only on commit.
type MemoryStore struct {
	mu sync.Mutex

	orders        map[string]*models.Order
	inventory     map[string]*models.InventoryRecord
	movements     []models.StockMovement
	paymentEvents map[string]*models.PaymentEventRecord
	outbox        []*models.OutboxMessage

	nextMovementID int64
	nextOutboxID   int64
	outboxClaims   map[int64]time.Time
	now            func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[string]*models.Order),
		inventory:     make(map[string]*models.InventoryRecord),
		paymentEvents: make(map[string]*models.PaymentEventRecord),
		outboxClaims:  make(map[int64]time.Time),
		now:           time.Now,
	}
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// WithTx runs fn against a staged view. Nothing is visible to others until fn returns nil.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:         s,
		orders:    make(map[string]*models.Order),
		inventory: make(map[string]*models.InventoryRecord),
		outcomes:  make(map[string]models.PaymentEventOutcome),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.validate(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetOrder retrieves a copy of an order
func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	return order.Clone(), nil
}

// GetInventory retrieves a copy of a product's inventory
func (s *MemoryStore) GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, productID)
	}
	c := *rec
	return &c, nil
}

// ListInventory retrieves all inventory records ordered by product id
func (s *MemoryStore) ListInventory(ctx context.Context) ([]models.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.InventoryRecord, 0, len(s.inventory))
	for _, rec := range s.inventory {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ProductID < records[j].ProductID })
	return records, nil
}

// ListMovements retrieves a product's movements in append order
func (s *MemoryStore) ListMovements(ctx context.Context, productID string) ([]models.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StockMovement
	for _, m := range s.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

// AdmitPaymentEvent inserts a PROCESSING record, or re-admits an INVALID or expired one
func (s *MemoryStore) AdmitPaymentEvent(ctx context.Context, providerEventID, orderID string, lease time.Duration) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.paymentEvents[providerEventID]
	if !ok {
		s.paymentEvents[providerEventID] = &models.PaymentEventRecord{
			ProviderEventID: providerEventID,
			OrderID:         orderID,
			Outcome:         models.OutcomeProcessing,
			ProcessedAt:     now,
		}
		return Admission{Admitted: true}, nil
	}

	expired := rec.Outcome == models.OutcomeProcessing && lease > 0 && now.Sub(rec.ProcessedAt) >= lease
	if rec.Outcome == models.OutcomeInvalid || expired {
		rec.Outcome = models.OutcomeProcessing
		rec.OrderID = orderID
		rec.ProcessedAt = now
		return Admission{Admitted: true, Reclaimed: expired}, nil
	}
	rec.DuplicateCount++
	return Admission{}, nil
}

// GetPaymentEvent retrieves a copy of a dedup record
func (s *MemoryStore) GetPaymentEvent(ctx context.Context, providerEventID string) (*models.PaymentEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.paymentEvents[providerEventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentEventNotFound, providerEventID)
	}
	c := *rec
	return &c, nil
}

// SetPaymentEventOutcome resolves a dedup record
func (s *MemoryStore) SetPaymentEventOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setOutcomeLocked(providerEventID, outcome)
}

func (s *MemoryStore) setOutcomeLocked(providerEventID string, outcome models.PaymentEventOutcome) error {
	rec, ok := s.paymentEvents[providerEventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPaymentEventNotFound, providerEventID)
	}
	if outcome == models.OutcomeValid {
		for id, other := range s.paymentEvents {
			if id != providerEventID && other.OrderID == rec.OrderID && other.Outcome == models.OutcomeValid {
				return fmt.Errorf("%w: %s", ErrValidOutcomeExists, rec.OrderID)
			}
		}
	}
	rec.Outcome = outcome
	rec.ProcessedAt = s.now()
	return nil
}

// EnqueueOutbox appends a delivery intent
func (s *MemoryStore) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendOutboxLocked(msg)
	return nil
}

func (s *MemoryStore) appendOutboxLocked(msg *models.OutboxMessage) {
	s.nextOutboxID++
	msg.ID = s.nextOutboxID
	msg.CreatedAt = s.now()
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("{}")
	}
	c := *msg
	s.outbox = append(s.outbox, &c)
}

// ClaimOutbox claims undelivered messages with attempts left, oldest first
func (s *MemoryStore) ClaimOutbox(ctx context.Context, limit, maxAttempts int, claim time.Duration) ([]models.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []models.OutboxMessage
	for _, msg := range s.outbox {
		if len(out) >= limit {
			break
		}
		if msg.DeliveredAt != nil || msg.Attempts >= maxAttempts {
			continue
		}
		if until, ok := s.outboxClaims[msg.ID]; ok && now.Before(until) {
			continue
		}
		s.outboxClaims[msg.ID] = now.Add(claim)
		out = append(out, *msg)
	}
	return out, nil
}

// Outbox returns a copy of every outbox message, delivered or not
func (s *MemoryStore) Outbox() []models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.OutboxMessage, 0, len(s.outbox))
	for _, msg := range s.outbox {
		out = append(out, *msg)
	}
	return out
}

// MarkOutboxDelivered marks a message as delivered
func (s *MemoryStore) MarkOutboxDelivered(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.outbox {
		if msg.ID == id {
			now := s.now()
			msg.DeliveredAt = &now
			delete(s.outboxClaims, id)
			return nil
		}
	}
	return fmt.Errorf("outbox message not found: %d", id)
}

// MarkOutboxFailed records a failed delivery attempt
func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.outbox {
		if msg.ID == id {
			msg.Attempts++
			msg.LastError = reason
			delete(s.outboxClaims, id)
			return nil
		}
	}
	return fmt.Errorf("outbox message not found: %d", id)
}

// memTx stages writes. The owning store's mutex is held for its whole life.
type memTx struct {
	s *MemoryStore

	orders    map[string]*models.Order
	inventory map[string]*models.InventoryRecord
	movements []models.StockMovement
	outcomes  map[string]models.PaymentEventOutcome
	outbox    []*models.OutboxMessage
}

func (t *memTx) order(orderID string) (*models.Order, bool) {
	if o, ok := t.orders[orderID]; ok {
		return o, true
	}
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, false
	}
	c := o.Clone()
	t.orders[orderID] = c
	return c, true
}

func (t *memTx) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	o, ok := t.order(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	return o.Clone(), nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if _, ok := t.order(order.ID); ok {
		return fmt.Errorf("%w: order %s already exists", models.ErrInvalidOrder, order.ID)
	}
	now := t.s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.orders[order.ID] = order.Clone()
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	staged, ok := t.order(order.ID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, order.ID)
	}
	staged.Status = order.Status
	staged.PaymentStatus = order.PaymentStatus
	staged.ExternalPaymentReference = order.ExternalPaymentReference
	staged.UpdatedAt = order.UpdatedAt
	return nil
}

func (t *memTx) AppendStatusHistory(ctx context.Context, orderID string, entry models.StatusHistoryEntry) error {
	staged, ok := t.order(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	staged.StatusHistory = append(staged.StatusHistory, entry)
	return nil
}

func (t *memTx) record(productID string) (*models.InventoryRecord, bool) {
	if rec, ok := t.inventory[productID]; ok {
		return rec, true
	}
	rec, ok := t.s.inventory[productID]
	if !ok {
		return nil, false
	}
	c := *rec
	t.inventory[productID] = &c
	return &c, true
}

func (t *memTx) GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	rec, ok := t.record(productID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, productID)
	}
	c := *rec
	return &c, nil
}

func (t *memTx) CreateInventory(ctx context.Context, rec *models.InventoryRecord) error {
	if _, ok := t.record(rec.ProductID); ok {
		return fmt.Errorf("%w: %s", models.ErrProductExists, rec.ProductID)
	}
	rec.UpdatedAt = t.s.now()
	c := *rec
	t.inventory[rec.ProductID] = &c
	return nil
}

func (t *memTx) UpdateInventory(ctx context.Context, rec *models.InventoryRecord) error {
	if _, ok := t.record(rec.ProductID); !ok {
		return fmt.Errorf("%w: %s", models.ErrProductNotFound, rec.ProductID)
	}
	rec.UpdatedAt = t.s.now()
	c := *rec
	t.inventory[rec.ProductID] = &c
	return nil
}

func (t *memTx) AppendMovement(ctx context.Context, movement *models.StockMovement) error {
	if _, ok := t.record(movement.ProductID); !ok {
		return fmt.Errorf("%w: %s", models.ErrProductNotFound, movement.ProductID)
	}
	movement.ID = t.s.nextMovementID + int64(len(t.movements)) + 1
	movement.CreatedAt = t.s.now()
	t.movements = append(t.movements, *movement)
	return nil
}

func (t *memTx) SetPaymentEventOutcome(ctx context.Context, providerEventID string, outcome models.PaymentEventOutcome) error {
	if _, ok := t.s.paymentEvents[providerEventID]; !ok {
		return fmt.Errorf("%w: %s", ErrPaymentEventNotFound, providerEventID)
	}
	t.outcomes[providerEventID] = outcome
	return nil
}

func (t *memTx) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	t.outbox = append(t.outbox, msg)
	return nil
}

// validate enforces the constraints the Postgres schema would reject at commit
func (t *memTx) validate() error {
	for _, rec := range t.inventory {
		if rec.AvailableCount < 0 || rec.ReservedCount < 0 {
			return fmt.Errorf("%w: %s", models.ErrNegativeStock, rec.ProductID)
		}
	}
	for id, o := range t.orders {
		if o.ExternalPaymentReference == "" {
			continue
		}
		for otherID, other := range t.s.orders {
			if otherID != id && other.ExternalPaymentReference == o.ExternalPaymentReference {
				return fmt.Errorf("%w: %s", ErrDuplicatePaymentReference, o.ExternalPaymentReference)
			}
		}
	}
	for id, outcome := range t.outcomes {
		if outcome != models.OutcomeValid {
			continue
		}
		orderID := t.s.paymentEvents[id].OrderID
		for otherID, other := range t.s.paymentEvents {
			if otherID != id && other.OrderID == orderID && other.Outcome == models.OutcomeValid {
				return fmt.Errorf("%w: %s", ErrValidOutcomeExists, orderID)
			}
		}
	}
	return nil
}

func (t *memTx) commit() {
	for id, o := range t.orders {
		t.s.orders[id] = o
	}
	for id, rec := range t.inventory {
		t.s.inventory[id] = rec
	}
	t.s.movements = append(t.s.movements, t.movements...)
	t.s.nextMovementID += int64(len(t.movements))
	for id, outcome := range t.outcomes {
		_ = t.s.setOutcomeLocked(id, outcome)
	}
	for _, msg := range t.outbox {
		t.s.appendOutboxLocked(msg)
	}
}
