// Package settle implements the pure settlement arithmetic for
// full-collateral futures positions: signed PnL, the capped payout rule,
// and price rescaling to the engine's fixed-point base.
//
// The numeric contract is exact integer arithmetic:
//   - Collateral and payouts are integers in the smallest asset unit.
//   - Prices are integers scaled to 18 fractional decimal digits.
//   - Every division truncates toward zero, for both signs.
//
// All values use shopspring/decimal — never float64 for money. The
// functions here are stateless; position fields are passed as arguments.
package settle

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/model"
)

// PriceDecimals is the fixed-point base for all price arithmetic.
// Oracle prices at any native scale are normalized to this before use.
const PriceDecimals = 18

var (
	// ErrNegativeMargin is returned when a computation is attempted with
	// a negative margin. Margins are unsigned by construction; hitting
	// this indicates corrupted state upstream.
	ErrNegativeMargin = errors.New("settle: margin must not be negative")

	// ErrInvalidDecimals is returned by Rescale for a native decimal
	// count outside [0, 38].
	ErrInvalidDecimals = errors.New("settle: native decimal count out of range")
)

// Result is the outcome of settling one position at one price.
type Result struct {
	// PnL is the signed profit (positive) or loss (negative) since entry,
	// in smallest asset units. It is the uncapped figure: a loss beyond
	// the margin still reports its full magnitude here.
	PnL decimal.Decimal

	// Payout is the amount actually returned to the trader: margin
	// adjusted by PnL, floored at zero on the downside and capped by the
	// custody pool balance on the upside.
	Payout decimal.Decimal
}

// PnLAndPayout computes the signed PnL and capped payout for a position
// settled at currentPrice with poolBalance available in custody.
//
// entryPrice == 0 is the untracked sentinel: the position degenerates to a
// full-margin return with zero PnL, uncapped.
//
// Otherwise rawPnl = margin * (currentPrice - entryPrice) / entryPrice,
// truncated toward zero, negated for shorts after the long-style
// computation. A non-negative rawPnl pays margin + rawPnl capped by the
// pool; a loss pays margin - |rawPnl|, floored at zero so the trader can
// never owe more than their margin.
func PnLAndPayout(margin, entryPrice decimal.Decimal, direction model.Direction, currentPrice, poolBalance decimal.Decimal) (Result, error) {
	if margin.IsNegative() {
		return Result{}, ErrNegativeMargin
	}

	if entryPrice.IsZero() {
		return Result{PnL: decimal.Zero, Payout: margin}, nil
	}

	delta := currentPrice.Sub(entryPrice)
	rawPnl, _ := margin.Mul(delta).QuoRem(entryPrice, 0) // truncating, toward zero
	if direction == model.Short {
		rawPnl = rawPnl.Neg()
	}

	if rawPnl.Sign() >= 0 {
		desired := margin.Add(rawPnl)
		payout := desired
		if poolBalance.LessThan(desired) {
			payout = poolBalance
		}
		return Result{PnL: rawPnl, Payout: payout}, nil
	}

	lossAbs := rawPnl.Neg()
	if lossAbs.GreaterThanOrEqual(margin) {
		return Result{PnL: rawPnl, Payout: decimal.Zero}, nil
	}
	return Result{PnL: rawPnl, Payout: margin.Sub(lossAbs)}, nil
}

// Rescale normalizes a raw price quoted at nativeDecimals fractional
// digits to the engine's 18-digit fixed-point base. Scaling up multiplies
// by a power of ten exactly; scaling down divides with truncation. Raw and
// scaled values must never be mixed — this is the only crossing point.
func Rescale(raw decimal.Decimal, nativeDecimals int) (decimal.Decimal, error) {
	if nativeDecimals < 0 || nativeDecimals > 38 {
		return decimal.Decimal{}, ErrInvalidDecimals
	}
	shift := int32(PriceDecimals - nativeDecimals)
	if shift >= 0 {
		return raw.Shift(shift), nil
	}
	q, _ := raw.QuoRem(decimal.New(1, -shift), 0)
	return q, nil
}
