package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/custody"
	"github.com/clearline/futures-engine/internal/engine"
	"github.com/clearline/futures-engine/internal/metrics"
	"github.com/clearline/futures-engine/internal/model"
	"github.com/clearline/futures-engine/internal/risk"
	"github.com/clearline/futures-engine/internal/store"
)

func di(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// price builds an integer price scaled to 18 fractional digits.
func price(n int64) decimal.Decimal { return decimal.New(n, 18) }

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubOracle returns a fixed scaled price or an error.
type stubOracle struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (o *stubOracle) LatestScaledPrice(context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return decimal.Decimal{}, o.err
	}
	return o.price, nil
}

func (o *stubOracle) Decimals() int { return 18 }

func (o *stubOracle) set(p decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price, o.err = p, nil
}

func (o *stubOracle) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// failingCustody wraps a memory ledger and fails transfers on demand.
type failingCustody struct {
	*custody.MemoryLedger
	failTransfer bool
}

func (c *failingCustody) Transfer(ctx context.Context, to string, amount decimal.Decimal) error {
	if c.failTransfer {
		return errors.New("custody backend unavailable")
	}
	return c.MemoryLedger.Transfer(ctx, to, amount)
}

// failingStore wraps a memory store and fails position inserts on demand.
type failingStore struct {
	*store.MemoryStore
	failInsert bool
}

func (s *failingStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if s.failInsert {
		return errors.New("store backend unavailable")
	}
	return s.MemoryStore.InsertPosition(ctx, p)
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) byType(typ string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	ledger  *engine.Ledger
	store   *store.MemoryStore
	oracle  *stubOracle
	custody *failingCustody
	clock   *fakeClock
	events  *recorder
}

// newTestEnv builds a ledger with a funded pool, price 100, and a 50%
// maintenance margin / 5% liquidation reward policy.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	orc := &stubOracle{price: price(100)}
	cus := &failingCustody{MemoryLedger: custody.NewMemoryLedger()}
	clk := newFakeClock()
	rec := &recorder{}

	policy, err := risk.NewPolicy(5000, 500)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	ledger, err := engine.New(context.Background(), engine.Config{
		Store:      ms,
		Oracle:     orc,
		Custody:    cus,
		Policy:     policy,
		Instrument: "FUT-BTC-USD",
		Owner:      "owner",
		Clock:      clk,
		Notifier:   rec,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	// Pre-fund the pool so profitable settlements are not capped.
	if err := ledger.Fund(context.Background(), "lp", di(100_000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	return &testEnv{ledger: ledger, store: ms, oracle: orc, custody: cus, clock: clk, events: rec}
}

// --- Open ---

func TestOpen_AllocatesIncreasingIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		id, err := env.ledger.Open(ctx, "alice", model.Long, di(1000))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if id != want {
			t.Errorf("id = %d, want %d", id, want)
		}
	}
}

func TestOpen_CapturesEntryStateAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.ledger.Open(ctx, "alice", model.Short, di(1000))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p, err := env.ledger.GetPosition(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != model.StatusOpen {
		t.Errorf("status = %s, want open", p.Status)
	}
	if !p.Margin.Equal(di(1000)) {
		t.Errorf("margin = %s, want 1000", p.Margin)
	}
	if !p.EntryPrice.Equal(price(100)) {
		t.Errorf("entry price = %s, want %s", p.EntryPrice, price(100))
	}
	if p.Direction != model.Short {
		t.Errorf("direction = %s, want short", p.Direction)
	}
	if want := env.clock.Now().Add(24 * time.Hour); !p.Expiry.Equal(want) {
		t.Errorf("expiry = %s, want %s", p.Expiry, want)
	}

	opened := env.events.byType(model.EventOpened)
	if len(opened) != 1 || opened[0].PositionID != id {
		t.Errorf("expected one opened event for id %d, got %+v", id, opened)
	}
}

func TestOpen_ZeroCollateral(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ledger.Open(context.Background(), "alice", model.Long, di(0)); !errors.Is(err, engine.ErrInvalidCollateral) {
		t.Errorf("expected ErrInvalidCollateral, got %v", err)
	}
}

func TestOpen_InvalidDirection(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ledger.Open(context.Background(), "alice", model.Direction("sideways"), di(1000)); !errors.Is(err, engine.ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
}

func TestOpen_OracleFailureCommitsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.oracle.fail(errors.New("feed down"))

	poolBefore, _ := env.ledger.PoolBalance(ctx)
	if _, err := env.ledger.Open(ctx, "alice", model.Long, di(1000)); !errors.Is(err, engine.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	positions, _ := env.ledger.ListPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("no position should exist after oracle failure, got %d", len(positions))
	}
	poolAfter, _ := env.ledger.PoolBalance(ctx)
	if !poolAfter.Equal(poolBefore) {
		t.Errorf("pool changed on failed open: %s -> %s", poolBefore, poolAfter)
	}

	// Recovery: a fresh price makes the ledger usable again and the id
	// sequence has no gaps.
	env.oracle.set(price(100))
	id, err := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	if err != nil {
		t.Fatalf("open after recovery: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0", id)
	}
}

func TestOpen_PersistFailureRefundsCollateral(t *testing.T) {
	ctx := context.Background()
	ms := &failingStore{MemoryStore: store.NewMemoryStore()}
	cus := &failingCustody{MemoryLedger: custody.NewMemoryLedger()}

	policy, err := risk.NewPolicy(5000, 500)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	ledger, err := engine.New(ctx, engine.Config{
		Store:      ms,
		Oracle:     &stubOracle{price: price(100)},
		Custody:    cus,
		Policy:     policy,
		Instrument: "FUT-BTC-USD",
		Owner:      "owner",
		Clock:      newFakeClock(),
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	poolBefore, _ := ledger.PoolBalance(ctx)
	ms.failInsert = true
	if _, err := ledger.Open(ctx, "alice", model.Long, di(1000)); err == nil {
		t.Fatal("open must fail when the store rejects the insert")
	}

	// The deposit is rolled back: nothing stays in the pool without a
	// position record backing it.
	poolAfter, _ := ledger.PoolBalance(ctx)
	if !poolAfter.Equal(poolBefore) {
		t.Errorf("pool changed on failed open: %s -> %s", poolBefore, poolAfter)
	}
	if got := cus.Credited("alice"); !got.Equal(di(1000)) {
		t.Errorf("alice refunded %s, want 1000", got)
	}
	positions, _ := ledger.ListPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("no position should exist after failed open, got %d", len(positions))
	}

	// Recovery: the ledger stays usable once the store is back.
	ms.failInsert = false
	if _, err := ledger.Open(ctx, "alice", model.Long, di(1000)); err != nil {
		t.Fatalf("open after recovery: %v", err)
	}
}

// --- Close ---

func TestClose_LongProfit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	env.oracle.set(price(110))

	if err := env.ledger.Close(ctx, id, "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := env.custody.Credited("alice"); !got.Equal(di(1100)) {
		t.Errorf("alice credited %s, want 1100", got)
	}

	p, _ := env.ledger.GetPosition(ctx, id)
	if p.Status != model.StatusClosed || !p.Margin.IsZero() {
		t.Errorf("position not terminally settled: status=%s margin=%s", p.Status, p.Margin)
	}

	closed := env.events.byType(model.EventClosed)
	if len(closed) != 1 {
		t.Fatalf("expected one closed event, got %d", len(closed))
	}
	if !closed[0].PnL.Equal(di(100)) || !closed[0].Payout.Equal(di(1100)) {
		t.Errorf("event pnl=%s payout=%s, want 100/1100", closed[0].PnL, closed[0].Payout)
	}
}

func TestClose_ShortLossOnRisingPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Short, di(1000))
	env.oracle.set(price(150))

	if err := env.ledger.Close(ctx, id, "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.custody.Credited("alice"); !got.Equal(di(500)) {
		t.Errorf("alice credited %s, want 500", got)
	}
}

func TestClose_TotalLossPaysNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Short, di(500))
	env.oracle.set(price(250)) // short pnl -750, beyond margin

	if err := env.ledger.Close(ctx, id, "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.custody.Credited("alice"); !got.IsZero() {
		t.Errorf("alice credited %s, want 0 on total loss", got)
	}

	p, _ := env.ledger.GetPosition(ctx, id)
	if p.Status != model.StatusClosed || !p.Margin.IsZero() {
		t.Error("total loss must still settle the position")
	}
}

func TestClose_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	if err := env.ledger.Close(ctx, id, "mallory"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	// Trader may close regardless of expiry.
	env.clock.Advance(48 * time.Hour)
	if err := env.ledger.Close(ctx, id, "alice"); err != nil {
		t.Errorf("trader close after expiry failed: %v", err)
	}
}

func TestClose_NotFoundAndAlreadyClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.ledger.Close(ctx, 42, "alice"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	if err := env.ledger.Close(ctx, id, "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}

	// All three settlement paths must refuse a closed position.
	if err := env.ledger.Close(ctx, id, "alice"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Errorf("second close: expected ErrAlreadyClosed, got %v", err)
	}
	if err := env.ledger.SettleExpired(ctx, id, "anyone"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Errorf("settle after close: expected ErrAlreadyClosed, got %v", err)
	}
	if err := env.ledger.Liquidate(ctx, id, "anyone"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Errorf("liquidate after close: expected ErrAlreadyClosed, got %v", err)
	}

	p, _ := env.ledger.GetPosition(ctx, id)
	if !p.Margin.IsZero() {
		t.Errorf("margin = %s, must remain 0 forever", p.Margin)
	}
}

// --- SettleExpired ---

func TestSettleExpired_GatedOnExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))

	if err := env.ledger.SettleExpired(ctx, id, "anyone"); !errors.Is(err, engine.ErrNotExpired) {
		t.Errorf("before expiry: expected ErrNotExpired, got %v", err)
	}

	// Exactly at expiry qualifies (now >= expiry).
	env.clock.Advance(24 * time.Hour)
	if err := env.ledger.SettleExpired(ctx, id, "anyone"); err != nil {
		t.Fatalf("at expiry: %v", err)
	}

	if got := env.custody.Credited("alice"); !got.Equal(di(1000)) {
		t.Errorf("alice credited %s, want full margin at unchanged price", got)
	}
}

// --- Liquidate ---

func TestLiquidate_BelowMaintenance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Margin 1000, maintenance 50% → threshold 500.
	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	env.oracle.set(price(40)) // pnl -600 → payout 400 < 500

	if err := env.ledger.Liquidate(ctx, id, "liquidator"); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Reward 5% of 400 = 20; remainder to the trader.
	if got := env.custody.Credited("liquidator"); !got.Equal(di(20)) {
		t.Errorf("liquidator credited %s, want 20", got)
	}
	if got := env.custody.Credited("alice"); !got.Equal(di(380)) {
		t.Errorf("alice credited %s, want 380", got)
	}

	events := env.events.byType(model.EventLiquidated)
	if len(events) != 1 {
		t.Fatalf("expected one liquidated event, got %d", len(events))
	}
	e := events[0]
	if e.Liquidator != "liquidator" || e.Trader != "alice" {
		t.Errorf("event parties: %+v", e)
	}
	if !e.Payout.Equal(di(400)) || !e.PnL.Equal(di(-600)) {
		t.Errorf("event payout=%s pnl=%s, want 400/-600", e.Payout, e.PnL)
	}
}

func TestLiquidate_AtThresholdRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	env.oracle.set(price(50)) // pnl -500 → payout 500 == threshold

	if err := env.ledger.Liquidate(ctx, id, "liquidator"); !errors.Is(err, engine.ErrNotLiquidatable) {
		t.Errorf("expected ErrNotLiquidatable at threshold, got %v", err)
	}

	p, _ := env.ledger.GetPosition(ctx, id)
	if p.Status != model.StatusOpen {
		t.Error("rejected liquidation must not settle the position")
	}
}

// --- Transfer failure policy ---

func TestClose_TransferFailureDoesNotReopen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	env.custody.failTransfer = true

	err := env.ledger.Close(ctx, id, "alice")
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	// The settlement flip committed before the transfer was attempted.
	p, _ := env.ledger.GetPosition(ctx, id)
	if p.Status != model.StatusClosed || !p.Margin.IsZero() {
		t.Errorf("position must stay closed with zero margin: status=%s margin=%s", p.Status, p.Margin)
	}
	if err := env.ledger.Close(ctx, id, "alice"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Errorf("retry must report ErrAlreadyClosed, got %v", err)
	}
}

// --- Fund / Withdraw ---

func TestFund_And_Withdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.ledger.Fund(ctx, "lp2", di(0)); !errors.Is(err, engine.ErrInvalidCollateral) {
		t.Errorf("zero fund: expected ErrInvalidCollateral, got %v", err)
	}
	if err := env.ledger.Fund(ctx, "lp2", di(5000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	funded := env.events.byType(model.EventFunded)
	if len(funded) != 2 { // env setup funds once
		t.Errorf("expected 2 funded events, got %d", len(funded))
	}

	if err := env.ledger.Withdraw(ctx, "mallory", "mallory", di(100)); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("non-owner withdraw: expected ErrUnauthorized, got %v", err)
	}
	if err := env.ledger.Withdraw(ctx, "owner", "treasury", di(100)); err != nil {
		t.Fatalf("owner withdraw: %v", err)
	}
	if got := env.custody.Credited("treasury"); !got.Equal(di(100)) {
		t.Errorf("treasury credited %s, want 100", got)
	}
}

// --- Metrics ---

func TestPoolBalanceGaugeTracksCustody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Setup funds the pool with 100_000.
	if got := testutil.ToFloat64(metrics.PoolBalance); got != 100_000 {
		t.Fatalf("gauge after fund = %v, want 100000", got)
	}

	id, err := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PoolBalance); got != 101_000 {
		t.Errorf("gauge after open = %v, want 101000", got)
	}

	env.oracle.set(price(110))
	if err := env.ledger.Close(ctx, id, "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Payout 1100 left the pool.
	if got := testutil.ToFloat64(metrics.PoolBalance); got != 99_900 {
		t.Errorf("gauge after close = %v, want 99900", got)
	}

	if err := env.ledger.Withdraw(ctx, "owner", "treasury", di(900)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PoolBalance); got != 99_000 {
		t.Errorf("gauge after withdraw = %v, want 99000", got)
	}
}

// --- Concurrency ---

func TestSettlement_ExactlyOnceUnderRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.ledger.Open(ctx, "alice", model.Long, di(1000))
	env.oracle.set(price(110))

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.ledger.Close(ctx, id, "alice")
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyClosed int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, engine.ErrAlreadyClosed):
			alreadyClosed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if alreadyClosed != racers-1 {
		t.Errorf("alreadyClosed = %d, want %d", alreadyClosed, racers-1)
	}

	// Exactly one payout left the pool.
	if got := env.custody.Credited("alice"); !got.Equal(di(1100)) {
		t.Errorf("alice credited %s, want 1100 exactly once", got)
	}
}

func TestOpen_ConcurrentIDsUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	ids := make(chan uint64, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := env.ledger.Open(ctx, "alice", model.Long, di(10))
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d unique ids, want %d", len(seen), n)
	}
}
