// Package engine implements the position ledger: the lifecycle state
// machine for full-collateral futures positions and its settlement paths
// (voluntary close, forced settlement at expiry, liquidation).
//
// Every position is settled exactly once. The settlement write — margin
// zeroed and status flipped to closed — commits before any custody
// transfer is attempted, so an external transfer can never observe a
// stale open position with nonzero margin. The flip side is that a
// failed payout transfer surfaces ErrTransferFailed without reopening
// the position.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/custody"
	"github.com/clearline/futures-engine/internal/metrics"
	"github.com/clearline/futures-engine/internal/model"
	"github.com/clearline/futures-engine/internal/oracle"
	"github.com/clearline/futures-engine/internal/risk"
	"github.com/clearline/futures-engine/internal/settle"
	"github.com/clearline/futures-engine/internal/store"
)

// ExpiryDuration is the fixed lifetime of every position. After this,
// anyone may force settlement.
const ExpiryDuration = 24 * time.Hour

// Notifier receives audit events as they are emitted. Implementations
// must not block; the ledger calls Notify synchronously.
type Notifier interface {
	Notify(e model.Event)
}

// Ledger owns the position set and enforces the single-settlement
// invariant. Operations on the same position id are serialized with a
// per-id lock; operations on different ids may run concurrently.
type Ledger struct {
	store      store.Store
	oracle     oracle.PriceOracle
	custody    custody.Ledger
	policy     *risk.Policy
	instrument string
	owner      string
	clock      Clock
	notifier   Notifier // optional

	idMu   sync.Mutex
	nextID uint64

	lockMu sync.Mutex
	locks  map[uint64]*sync.Mutex
}

// Config carries the ledger's collaborators and parameters.
type Config struct {
	Store      store.Store
	Oracle     oracle.PriceOracle
	Custody    custody.Ledger
	Policy     *risk.Policy
	Instrument string
	Owner      string
	Clock      Clock    // nil → SystemClock
	Notifier   Notifier // nil → no broadcasts
}

// New creates a position ledger. The id counter resumes from the store so
// identifiers stay strictly increasing across restarts.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	nextID, err := cfg.Store.NextPositionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: resume id counter: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Ledger{
		store:      cfg.Store,
		oracle:     cfg.Oracle,
		custody:    cfg.Custody,
		policy:     cfg.Policy,
		instrument: cfg.Instrument,
		owner:      cfg.Owner,
		clock:      clock,
		notifier:   cfg.Notifier,
		nextID:     nextID,
		locks:      make(map[uint64]*sync.Mutex),
	}, nil
}

// Instrument returns the configured contract symbol.
func (l *Ledger) Instrument() string { return l.instrument }

// lockPosition returns the mutex serializing settlement for one id.
func (l *Ledger) lockPosition(id uint64) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	mu, ok := l.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[id] = mu
	}
	return mu
}

// Open creates a position: collateral moves into custody, the current
// oracle price is captured as the entry price, and a 24h expiry is set.
// Returns the new strictly increasing id.
func (l *Ledger) Open(ctx context.Context, trader string, direction model.Direction, collateral decimal.Decimal) (uint64, error) {
	if collateral.Sign() <= 0 {
		return 0, ErrInvalidCollateral
	}
	if !direction.Valid() {
		return 0, ErrInvalidDirection
	}

	price, err := l.oracle.LatestScaledPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}

	if err := l.custody.Deposit(ctx, trader, collateral); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	l.idMu.Lock()
	id := l.nextID
	l.nextID++
	l.idMu.Unlock()

	now := l.clock.Now()
	pos := &model.Position{
		ID:         id,
		Trader:     trader,
		Instrument: l.instrument,
		Direction:  direction,
		Margin:     collateral,
		EntryPrice: price,
		OpenedAt:   now,
		Expiry:     now.Add(ExpiryDuration),
		Status:     model.StatusOpen,
	}
	if err := l.store.InsertPosition(ctx, pos); err != nil {
		// Return the collateral; without a position record it would sit
		// in the pool unaccounted for.
		if refundErr := l.custody.Transfer(ctx, trader, collateral); refundErr != nil {
			slog.Error("open refund failed",
				"trader", trader,
				"amount", collateral.String(),
				"err", refundErr,
			)
		}
		l.updatePoolGauge(ctx)
		return 0, fmt.Errorf("engine: persist position: %w", err)
	}

	metrics.PositionsOpened.WithLabelValues(string(direction)).Inc()
	metrics.OpenPositions.Inc()
	l.updatePoolGauge(ctx)

	l.emit(ctx, model.Event{
		Type:       model.EventOpened,
		PositionID: id,
		Trader:     trader,
		Instrument: l.instrument,
		Direction:  direction,
		Margin:     collateral,
		EntryPrice: price,
		Expiry:     pos.Expiry,
		Timestamp:  now,
	})

	slog.Info("position opened",
		"id", id,
		"trader", trader,
		"direction", direction,
		"margin", collateral.String(),
		"entry_price", price.String(),
	)
	return id, nil
}

// Close settles a position voluntarily. Only the opening trader may call
// it, at any time before or after expiry.
func (l *Ledger) Close(ctx context.Context, id uint64, caller string) error {
	return l.settleOne(ctx, id, "close", func(p *model.Position) error {
		if caller != p.Trader {
			return ErrUnauthorized
		}
		return nil
	})
}

// SettleExpired settles a position past its expiry. Permissionless: any
// caller qualifies once now >= expiry, so a position cannot stay open
// indefinitely behind an unresponsive owner.
func (l *Ledger) SettleExpired(ctx context.Context, id uint64, _ string) error {
	return l.settleOne(ctx, id, "expire", func(p *model.Position) error {
		if l.clock.Now().Before(p.Expiry) {
			return ErrNotExpired
		}
		return nil
	})
}

// settleOne runs the shared close/expiry settlement path: precondition,
// price, payout, state flip, transfer, event.
func (l *Ledger) settleOne(ctx context.Context, id uint64, kind string, precondition func(*model.Position) error) error {
	mu := l.lockPosition(id)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	p, err := l.loadOpen(ctx, id)
	if err != nil {
		return err
	}
	if err := precondition(p); err != nil {
		return err
	}

	res, err := l.valueAtMarket(ctx, p)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	if err := l.commitSettlement(ctx, id, now); err != nil {
		return err
	}

	var transferErr error
	if res.Payout.Sign() > 0 {
		if err := l.custody.Transfer(ctx, p.Trader, res.Payout); err != nil {
			transferErr = fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	metrics.Settlements.WithLabelValues(kind).Inc()
	metrics.SettlementLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.OpenPositions.Dec()
	l.updatePoolGauge(ctx)

	l.emit(ctx, model.Event{
		Type:       model.EventClosed,
		PositionID: id,
		Trader:     p.Trader,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Payout:     res.Payout,
		PnL:        res.PnL,
		Timestamp:  now,
	})

	slog.Info("position closed",
		"id", id,
		"kind", kind,
		"trader", p.Trader,
		"payout", res.Payout.String(),
		"pnl", res.PnL.String(),
	)
	return transferErr
}

// Liquidate settles an undercollateralized position. Permissionless: any
// caller whose liquidation is eligible earns the reward share of the
// payout; the remainder goes to the trader.
func (l *Ledger) Liquidate(ctx context.Context, id uint64, caller string) error {
	mu := l.lockPosition(id)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	p, err := l.loadOpen(ctx, id)
	if err != nil {
		return err
	}

	res, err := l.valueAtMarket(ctx, p)
	if err != nil {
		return err
	}
	if !l.policy.Liquidatable(res.Payout, p.Margin) {
		metrics.LiquidationRejections.Inc()
		return ErrNotLiquidatable
	}

	balance, err := l.custody.Balance(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	reward, toTrader := l.policy.RewardSplit(res.Payout, balance)

	now := l.clock.Now()
	if err := l.commitSettlement(ctx, id, now); err != nil {
		return err
	}

	var transferErr error
	if reward.Sign() > 0 {
		if err := l.custody.Transfer(ctx, caller, reward); err != nil {
			transferErr = fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if transferErr == nil && toTrader.Sign() > 0 {
		if err := l.custody.Transfer(ctx, p.Trader, toTrader); err != nil {
			transferErr = fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	metrics.Settlements.WithLabelValues("liquidate").Inc()
	metrics.SettlementLatency.WithLabelValues("liquidate").Observe(time.Since(start).Seconds())
	metrics.OpenPositions.Dec()
	l.updatePoolGauge(ctx)

	l.emit(ctx, model.Event{
		Type:       model.EventLiquidated,
		PositionID: id,
		Trader:     p.Trader,
		Liquidator: caller,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Payout:     res.Payout,
		PnL:        res.PnL,
		Amount:     reward,
		Timestamp:  now,
	})

	slog.Info("position liquidated",
		"id", id,
		"liquidator", caller,
		"trader", p.Trader,
		"payout", res.Payout.String(),
		"reward", reward.String(),
		"pnl", res.PnL.String(),
	)
	return transferErr
}

// Fund adds liquidity to the custody pool without opening a position.
func (l *Ledger) Fund(ctx context.Context, sender string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidCollateral
	}
	if err := l.custody.Deposit(ctx, sender, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.updatePoolGauge(ctx)

	l.emit(ctx, model.Event{
		Type:      model.EventFunded,
		Trader:    sender,
		Amount:    amount,
		Timestamp: l.clock.Now(),
	})

	slog.Info("pool funded", "sender", sender, "amount", amount.String())
	return nil
}

// Withdraw moves funds out of the custody pool. Owner only.
func (l *Ledger) Withdraw(ctx context.Context, caller, to string, amount decimal.Decimal) error {
	if caller != l.owner {
		return ErrUnauthorized
	}
	if amount.Sign() <= 0 {
		return ErrInvalidCollateral
	}
	if err := l.custody.Transfer(ctx, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.updatePoolGauge(ctx)
	slog.Info("pool withdrawal", "to", to, "amount", amount.String())
	return nil
}

// GetPosition returns a snapshot of a position, open or closed.
func (l *Ledger) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPositions returns snapshots of all positions, newest first.
func (l *Ledger) ListPositions(ctx context.Context) ([]model.Position, error) {
	return l.store.ListPositions(ctx)
}

// Events returns the full audit log.
func (l *Ledger) Events(ctx context.Context) ([]model.Event, error) {
	return l.store.ListEvents(ctx)
}

// EventsByPosition returns the audit log for one position.
func (l *Ledger) EventsByPosition(ctx context.Context, id uint64) ([]model.Event, error) {
	return l.store.ListEventsByPosition(ctx, id)
}

// PoolBalance returns the current custody pool balance.
func (l *Ledger) PoolBalance(ctx context.Context) (decimal.Decimal, error) {
	return l.custody.Balance(ctx)
}

// loadOpen fetches a position and verifies it is still open.
func (l *Ledger) loadOpen(ctx context.Context, id uint64) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.Status != model.StatusOpen {
		return nil, ErrAlreadyClosed
	}
	return p, nil
}

// valueAtMarket queries the oracle and computes the settlement result for
// an open position at the current price and pool balance.
func (l *Ledger) valueAtMarket(ctx context.Context, p *model.Position) (settle.Result, error) {
	price, err := l.oracle.LatestScaledPrice(ctx)
	if err != nil {
		return settle.Result{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	balance, err := l.custody.Balance(ctx)
	if err != nil {
		return settle.Result{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	res, err := settle.PnLAndPayout(p.Margin, p.EntryPrice, p.Direction, price, balance)
	if err != nil {
		return settle.Result{}, err
	}
	return res, nil
}

// commitSettlement flips the position to closed with zero margin. The
// store performs both writes atomically; ErrAlreadySettled maps to
// ErrAlreadyClosed as a backstop for the per-id lock.
func (l *Ledger) commitSettlement(ctx context.Context, id uint64, at time.Time) error {
	if err := l.store.SettlePosition(ctx, id, at); err != nil {
		switch err {
		case store.ErrNotFound:
			return ErrNotFound
		case store.ErrAlreadySettled:
			return ErrAlreadyClosed
		}
		return err
	}
	return nil
}

// updatePoolGauge refreshes the pool balance gauge after a custody move.
func (l *Ledger) updatePoolGauge(ctx context.Context) {
	if balance, err := l.custody.Balance(ctx); err == nil {
		metrics.PoolBalance.Set(balance.InexactFloat64())
	}
}

// emit persists an audit event and forwards it to the notifier. Audit
// write failures are logged, not propagated: the settlement itself has
// already committed.
func (l *Ledger) emit(ctx context.Context, e model.Event) {
	e.ID = uuid.New().String()
	if err := l.store.InsertEvent(ctx, &e); err != nil {
		slog.Error("audit event write failed", "type", e.Type, "position", e.PositionID, "err", err)
	}
	if l.notifier != nil {
		l.notifier.Notify(e)
	}
}
