package models

import "errors"

// Inventory errors
var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidRelease      = errors.New("invalid release")
	ErrInvalidConfirmation = errors.New("invalid confirmation")
	ErrNegativeStock       = errors.New("negative stock")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidReason       = errors.New("invalid movement reason")
	ErrProductNotFound     = errors.New("product not found")
	ErrProductExists       = errors.New("product already exists")
)

// Order errors
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidOrder      = errors.New("invalid order")
)

// Payment errors
var (
	ErrVerificationFailed  = errors.New("payment verification failed")
	ErrVerificationTimeout = errors.New("payment verification timed out")
	ErrAmountMismatch      = errors.New("payment amount does not match order total")
)

// ErrLockTimeout is returned when a key lock could not be acquired in time
var ErrLockTimeout = errors.New("lock timeout")
