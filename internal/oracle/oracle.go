// Package oracle defines the price capability consumed by the position
// ledger and a manual implementation for development and testing.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/settle"
)

// ErrInvalidPrice is returned when the oracle has no usable price:
// unset, non-positive, or older than the staleness window.
var ErrInvalidPrice = errors.New("oracle: invalid or stale price")

// PriceOracle is the capability the ledger consumes. LatestScaledPrice
// returns a positive price normalized to 18 fractional decimal digits,
// or ErrInvalidPrice. Implementations decide staleness.
type PriceOracle interface {
	LatestScaledPrice(ctx context.Context) (decimal.Decimal, error)

	// Decimals reports the native fractional digit count of the raw feed,
	// for the query surface. Arithmetic always uses the scaled price.
	Decimals() int
}

// ManualOracle is an in-memory oracle whose price is set by an operator
// (or a test) at a native decimal scale and rescaled on read. A price
// older than maxAge is rejected as stale; maxAge <= 0 disables the check.
type ManualOracle struct {
	mu       sync.RWMutex
	raw      decimal.Decimal
	setAt    time.Time
	decimals int
	maxAge   time.Duration
	now      func() time.Time
}

// NewManualOracle creates a manual oracle quoting at nativeDecimals.
func NewManualOracle(nativeDecimals int, maxAge time.Duration) *ManualOracle {
	return &ManualOracle{
		decimals: nativeDecimals,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// SetPrice records a new raw price at the oracle's native scale.
// Non-positive prices are rejected.
func (o *ManualOracle) SetPrice(raw decimal.Decimal) error {
	if raw.Sign() <= 0 {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.raw = raw
	o.setAt = o.now()
	return nil
}

// RawPrice returns the last raw price and when it was set.
func (o *ManualOracle) RawPrice() (decimal.Decimal, time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.raw, o.setAt
}

// Decimals returns the native fractional digit count of the feed.
func (o *ManualOracle) Decimals() int {
	return o.decimals
}

// LatestScaledPrice returns the current price rescaled to 18 decimals.
func (o *ManualOracle) LatestScaledPrice(_ context.Context) (decimal.Decimal, error) {
	o.mu.RLock()
	raw, setAt := o.raw, o.setAt
	o.mu.RUnlock()

	if raw.Sign() <= 0 {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	if o.maxAge > 0 && o.now().Sub(setAt) > o.maxAge {
		return decimal.Decimal{}, ErrInvalidPrice
	}

	scaled, err := settle.Rescale(raw, o.decimals)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	if scaled.Sign() <= 0 {
		// A tiny raw price at a wide native scale can truncate to zero.
		return decimal.Decimal{}, ErrInvalidPrice
	}
	return scaled, nil
}
