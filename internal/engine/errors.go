package engine

import "errors"

// Failure taxonomy of the position ledger. Every error aborts the
// triggering call; callers match with errors.Is.
var (
	// ErrInvalidCollateral is returned for a zero or negative amount on
	// open or fund.
	ErrInvalidCollateral = errors.New("engine: collateral amount must be positive")

	// ErrNotFound is returned for an unknown position id.
	ErrNotFound = errors.New("engine: position not found")

	// ErrAlreadyClosed is returned for a settlement attempt on a
	// position that has already been settled.
	ErrAlreadyClosed = errors.New("engine: position already closed")

	// ErrUnauthorized is returned when the caller is not permitted:
	// close by a non-trader, or withdraw by a non-owner.
	ErrUnauthorized = errors.New("engine: caller not authorized")

	// ErrNotExpired is returned when forced settlement is attempted
	// before the position's expiry.
	ErrNotExpired = errors.New("engine: position not yet expired")

	// ErrNotLiquidatable is returned when the payout is at or above the
	// maintenance threshold.
	ErrNotLiquidatable = errors.New("engine: position not liquidatable")

	// ErrInvalidPrice is returned when the oracle cannot supply a
	// positive scaled price. Nothing is committed on this failure.
	ErrInvalidPrice = errors.New("engine: oracle price invalid")

	// ErrTransferFailed is returned when a custody transfer does not
	// complete. The settlement state flip is already committed when a
	// payout transfer fails; see the ledger documentation.
	ErrTransferFailed = errors.New("engine: custody transfer failed")

	// ErrInvalidDirection is returned for a direction other than
	// long or short.
	ErrInvalidDirection = errors.New("engine: direction must be long or short")
)
