// Package custody abstracts fund custody for the futures engine: a pool
// that receives collateral deposits and pays out settlements. The engine
// only debits and credits; how funds are actually held is behind the
// Ledger interface.
package custody

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("custody: amount must be positive")

	// ErrInsufficientFunds is returned when a transfer exceeds the pool.
	ErrInsufficientFunds = errors.New("custody: insufficient pool balance")
)

// Ledger is the custody capability consumed by the position ledger.
// Transfer failures are fatal for the calling operation — the engine
// never drops them silently.
type Ledger interface {
	// Deposit credits the pool with funds supplied by an account.
	Deposit(ctx context.Context, from string, amount decimal.Decimal) error

	// Transfer debits the pool and credits the recipient.
	Transfer(ctx context.Context, to string, amount decimal.Decimal) error

	// Balance returns the current pool balance.
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// MemoryLedger implements Ledger with an in-memory pool. Used for
// development and testing; production deployments back this with the
// real asset custodian.
type MemoryLedger struct {
	mu       sync.RWMutex
	balance  decimal.Decimal
	credited map[string]decimal.Decimal
}

// NewMemoryLedger creates an empty in-memory custody pool.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{credited: make(map[string]decimal.Decimal)}
}

func (l *MemoryLedger) Deposit(_ context.Context, _ string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = l.balance.Add(amount)
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, to string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.GreaterThan(l.balance) {
		return ErrInsufficientFunds
	}
	l.balance = l.balance.Sub(amount)
	l.credited[to] = l.credited[to].Add(amount)
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance, nil
}

// Credited returns the total amount transferred to an account so far.
func (l *MemoryLedger) Credited(account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.credited[account]
}
