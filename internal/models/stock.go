package models

// Reserve moves quantity from available to reserved
func (r *InventoryRecord) Reserve(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if r.AvailableCount < quantity {
		return ErrInsufficientStock
	}
	r.AvailableCount -= quantity
	r.ReservedCount += quantity
	return nil
}

// Release reverses a prior reservation
func (r *InventoryRecord) Release(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if r.ReservedCount < quantity {
		return ErrInvalidRelease
	}
	r.ReservedCount -= quantity
	r.AvailableCount += quantity
	return nil
}

// ConfirmSale turns a reservation into a permanent decrement
func (r *InventoryRecord) ConfirmSale(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if r.ReservedCount < quantity {
		return ErrInvalidConfirmation
	}
	r.ReservedCount -= quantity
	return nil
}

// Adjust applies a signed correction to the available count. It never clamps.
func (r *InventoryRecord) Adjust(delta int) error {
	if delta == 0 {
		return ErrInvalidQuantity
	}
	if r.AvailableCount+delta < 0 {
		return ErrNegativeStock
	}
	r.AvailableCount += delta
	return nil
}

// Return puts previously sold units back on the shelf
func (r *InventoryRecord) Return(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	r.AvailableCount += quantity
	return nil
}

// Adjustable reports whether reason may be used for a manual adjustment
func (m MovementReason) Adjustable() bool {
	switch m {
	case MovementAdjustment, MovementPurchase, MovementReturn:
		return true
	}
	return false
}
