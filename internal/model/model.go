// Package model defines the core domain types shared across the futures
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Collateral and payout amounts are integers in the smallest unit
// of the base asset; prices are integers scaled to 18 fractional decimal
// digits.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position, immutable after open.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Status is the lifecycle state of a position. Closed is terminal.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Position is a full-collateral futures position. It is created by the
// ledger's open operation and mutated exactly once, by the single terminal
// settlement (close, expiry settlement, or liquidation). Margin is zeroed
// in the same write that flips Status to closed; no reader may observe one
// without the other. Records are retained after closing for audit.
type Position struct {
	ID         uint64          `json:"id" db:"id"`
	Trader     string          `json:"trader" db:"trader"`
	Instrument string          `json:"instrument" db:"instrument"`
	Direction  Direction       `json:"direction" db:"direction"`
	Margin     decimal.Decimal `json:"margin" db:"margin"`           // smallest asset unit
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"` // 1e18-scaled; 0 = untracked
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	Expiry     time.Time       `json:"expiry" db:"expiry"`
	Status     Status          `json:"status" db:"status"`
	SettledAt  *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Event types emitted by the ledger.
const (
	EventOpened     = "opened"
	EventClosed     = "closed"
	EventLiquidated = "liquidated"
	EventFunded     = "funded"
)

// Event is an immutable audit record of a ledger operation. Once created,
// events are never modified or deleted, and the engine never reads them
// back — they exist for observers and audit.
type Event struct {
	ID         string          `json:"id" db:"id"`
	Type       string          `json:"type" db:"type"`
	PositionID uint64          `json:"position_id" db:"position_id"`
	Trader     string          `json:"trader,omitempty" db:"trader"`
	Liquidator string          `json:"liquidator,omitempty" db:"liquidator"`
	Instrument string          `json:"instrument,omitempty" db:"instrument"`
	Direction  Direction       `json:"direction,omitempty" db:"direction"`
	Margin     decimal.Decimal `json:"margin" db:"margin"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	Payout     decimal.Decimal `json:"payout" db:"payout"`
	PnL        decimal.Decimal `json:"pnl" db:"pnl"` // signed
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Expiry     time.Time       `json:"expiry" db:"expiry"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}
