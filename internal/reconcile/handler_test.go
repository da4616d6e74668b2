package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/internal/data"
	"github.com/vectorfund/strategy-engine/internal/exposure"
	"github.com/vectorfund/strategy-engine/internal/obs"
	"github.com/vectorfund/strategy-engine/internal/pnl"
	"github.com/vectorfund/strategy-engine/internal/position"
	"github.com/vectorfund/strategy-engine/internal/reconcile"
	"github.com/vectorfund/strategy-engine/internal/risk"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

var (
	t0         = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	walletUSDC = types.PositionKey("wallet:BaseToken:USDC")
	walletSOL  = types.PositionKey("wallet:BaseToken:SOL")
	stakedMSOL = types.PositionKey("marinade:LST:mSOL")
)

func fixtureConfig(mode types.Mode) *types.Config {
	return &types.Config{
		Mode:                mode,
		ShareClass:          "USDC",
		ReconcileTolerance:  20,
		MaxExecutionRetries: 3,
		RetryBackoffMs:      1,
		PositionSubscriptions: []string{
			string(walletUSDC), string(walletSOL), string(stakedMSOL),
		},
		Venues: map[string]types.VenueConfig{
			"wallet":   {Category: types.VenueCategoryOnChain},
			"marinade": {Category: types.VenueCategoryOnChain},
		},
		Risk: types.RiskConfig{
			LTVWarning:           0.6,
			LTVCritical:          0.75,
			LSTDeviationWarning:  0.01,
			LSTDeviationCritical: 0.03,
		},
	}
}

type fixture struct {
	handler   *reconcile.Handler
	positions *position.Monitor
}

func newFixture(t *testing.T, mode types.Mode) *fixture {
	t.Helper()
	logger := zap.NewNop()

	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store.SetSeries("SOL", []data.PricePoint{{Timestamp: t0, Price: decimal.NewFromInt(100)}})
	store.SetSeries("mSOL", []data.PricePoint{{Timestamp: t0, Price: decimal.NewFromInt(110)}})
	conv := convert.NewService(logger, store, "USDC")

	cfg := fixtureConfig(mode)
	positions := position.NewMonitor(logger, []types.PositionKey{walletUSDC, walletSOL, stakedMSOL})
	riskMon, err := risk.NewMonitor(logger, conv, cfg)
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	handler := reconcile.NewHandler(
		logger,
		conv,
		positions,
		exposure.NewMonitor(logger, conv),
		riskMon,
		pnl.NewMonitor(logger, conv, "USDC"),
		obs.NewMetrics(prometheus.NewRegistry()),
		cfg,
	)
	return &fixture{handler: handler, positions: positions}
}

func (f *fixture) seed(t *testing.T, amount int64) {
	t.Helper()
	result, err := f.handler.OnSeed(context.Background(), t0, map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("seed tick = %s", result.Status)
	}
}

func buyOrder(id string, qty, cash int64) *types.Order {
	return &types.Order{
		OperationID: id,
		Venue:       "wallet",
		Operation:   types.OperationSpotTrade,
		Amount:      decimal.NewFromInt(qty),
		ExpectedDeltas: map[types.PositionKey]decimal.Decimal{
			walletSOL:  decimal.NewFromInt(qty),
			walletUSDC: decimal.NewFromInt(cash),
		},
		CreatedAt: t0.Add(time.Hour),
	}
}

func successHandshake(order *types.Order, actual map[types.PositionKey]decimal.Decimal) *types.ExecutionHandshake {
	return &types.ExecutionHandshake{
		OrderID:      order.OperationID,
		Status:       types.HandshakeSuccess,
		ActualDeltas: actual,
		Timestamp:    order.CreatedAt.Add(time.Second),
	}
}

func TestSeedEstablishesBaseline(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	snap := f.positions.GetSnapshot()
	if !snap.Balance(walletUSDC).Equal(decimal.NewFromInt(100000)) {
		t.Errorf("seeded balance = %s", snap.Balance(walletUSDC))
	}
	if f.positions.Provenance(walletUSDC) != types.ProvenanceConfirmed {
		t.Error("seeded capital must be confirmed")
	}
}

// A backtest's simulated fill is the authoritative outcome, so executed
// deltas land as confirmed; only live fills stay provisional until refresh.
func TestBacktestFillsAreConfirmed(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		walletSOL:  decimal.NewFromInt(100),
		walletUSDC: decimal.NewFromInt(-10000),
	})
	if _, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs}); err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}

	if f.positions.Provenance(walletSOL) != types.ProvenanceConfirmed {
		t.Error("backtest fills must be confirmed")
	}
}

// Execution costs must land in the same tick's P&L: the cost-bearing actual
// deltas are reconciled in before the P&L monitor runs.
func TestExecutionCostsVisibleInSameTickPnL(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		walletSOL:  decimal.NewFromInt(100),
		walletUSDC: decimal.NewFromInt(-10015), // 15 in fill costs
	})

	result, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	if err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("tick = %s: %s", result.Status, result.Error)
	}

	if !result.PnL.Change.Equal(decimal.NewFromInt(-15)) {
		t.Errorf("pnl change = %s, want -15", result.PnL.Change)
	}
	if !result.Exposure.Total.Equal(decimal.NewFromInt(99985)) {
		t.Errorf("exposure total = %s, want 99985", result.Exposure.Total)
	}
}

func TestDivergenceBeyondToleranceEscalates(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		walletSOL:  decimal.NewFromInt(100),
		walletUSDC: decimal.NewFromInt(-10100), // 100 over, tolerance is 20
	})

	before := f.positions.GetSnapshot()
	result, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	if err == nil {
		t.Fatal("expected reconciliation error")
	}
	var recErr *types.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected *ReconciliationError, got %T", err)
	}
	if result.Status != types.TickFailed {
		t.Errorf("tick = %s", result.Status)
	}

	after := f.positions.GetSnapshot()
	if !after.Balance(walletUSDC).Equal(before.Balance(walletUSDC)) {
		t.Error("failed tick must not mutate positions")
	}
}

// In live mode a divergent handshake gets one fresh venue read. When deltas
// re-derived from the polled balances match expected, the re-read clears the
// mismatch and the ledger follows the venue, not the handshake's claim.
func TestDivergenceRetryUsesVenueReRead(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.seed(t, 100000)

	poller := &stubPoller{balances: map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(90000),
		walletSOL:  decimal.NewFromInt(100),
	}}
	f.handler.BindPoller(poller)

	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		walletSOL:  decimal.NewFromInt(100),
		walletUSDC: decimal.NewFromInt(-10100), // claim diverges, venue agrees with expected
	})

	result, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	if err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("tick = %s: %s", result.Status, result.Error)
	}
	if poller.calls != 1 {
		t.Errorf("venue reads = %d, want 1", poller.calls)
	}
	if got := f.positions.GetSnapshot().Balance(walletUSDC); !got.Equal(decimal.NewFromInt(90000)) {
		t.Errorf("ledger = %s, want the venue's 90000", got)
	}
}

// When the venue re-read still disagrees with expected, the divergence stands
// and escalates without mutating the ledger.
func TestDivergenceStandsAfterVenueReRead(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.seed(t, 100000)

	poller := &stubPoller{balances: map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(89900), // 100 short of expected, tolerance is 20
		walletSOL:  decimal.NewFromInt(100),
	}}
	f.handler.BindPoller(poller)

	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		walletSOL:  decimal.NewFromInt(100),
		walletUSDC: decimal.NewFromInt(-10100),
	})

	before := f.positions.GetSnapshot()
	_, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	var recErr *types.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if poller.calls != 1 {
		t.Errorf("venue reads = %d, want 1", poller.calls)
	}
	if got := f.positions.GetSnapshot().Balance(walletUSDC); !got.Equal(before.Balance(walletUSDC)) {
		t.Error("escalated tick must not mutate positions")
	}
}

func TestUnknownActualKeyRejected(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		"wallet:BaseToken:BONK": decimal.NewFromInt(1),
	})

	_, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	var valErr *types.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if got := f.positions.GetSnapshot().Balance(walletSOL); !got.IsZero() {
		t.Errorf("aborted tick mutated positions: %s", got)
	}
}

// A partially executed atomic group is unwound in a backtest: the executed
// legs' deltas never reach the ledger, so the snapshot matches the pre-group
// state exactly.
func TestPartialAtomicGroupUnwinds(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	buy := buyOrder("leg1", 100, -10000)
	stake := &types.Order{
		OperationID: "leg2",
		Venue:       "marinade",
		Operation:   types.OperationStake,
		Amount:      decimal.NewFromInt(100),
		ExpectedDeltas: map[types.PositionKey]decimal.Decimal{
			walletSOL:  decimal.NewFromInt(-100),
			stakedMSOL: decimal.NewFromInt(90),
		},
		CreatedAt: t0.Add(time.Hour),
	}
	for i, o := range []*types.Order{buy, stake} {
		o.ExecutionMode = types.ExecutionModeAtomic
		o.AtomicGroupID = "group-1"
		o.SequenceInGroup = i + 1
	}

	handshakes := []*types.ExecutionHandshake{
		successHandshake(buy, map[types.PositionKey]decimal.Decimal{
			walletSOL:  decimal.NewFromInt(100),
			walletUSDC: decimal.NewFromInt(-10000),
		}),
		{
			OrderID:      "leg2",
			Status:       types.HandshakeFailed,
			ErrorCode:    types.ErrCodeNetwork,
			ErrorMessage: "stake pool unreachable",
			Timestamp:    t0.Add(time.Hour),
		},
	}

	before := f.positions.GetSnapshot()
	result, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{buy, stake}, handshakes)
	if err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("tick = %s: %s", result.Status, result.Error)
	}

	after := f.positions.GetSnapshot()
	for _, key := range []types.PositionKey{walletUSDC, walletSOL, stakedMSOL} {
		if !after.Balance(key).Equal(before.Balance(key)) {
			t.Errorf("%s changed: %s -> %s", key, before.Balance(key), after.Balance(key))
		}
	}
	if !result.PnL.Change.IsZero() {
		t.Errorf("unwound group produced P&L: %s", result.PnL.Change)
	}
}

// A partial fill is an authoritative venue fill: its actual deltas reach the
// ledger and the tick settles, keeping the ledger on the venue's account.
func TestPartialFillDeltasApplied(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	order := buyOrder("buy", 100, -10000)
	hs := &types.ExecutionHandshake{
		OrderID: order.OperationID,
		Status:  types.HandshakePartial,
		ActualDeltas: map[types.PositionKey]decimal.Decimal{
			walletSOL:  decimal.NewFromInt(40),
			walletUSDC: decimal.NewFromInt(-4000),
		},
		Timestamp: order.CreatedAt.Add(time.Second),
	}

	result, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	if err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("tick = %s: %s", result.Status, result.Error)
	}

	snap := f.positions.GetSnapshot()
	if !snap.Balance(walletSOL).Equal(decimal.NewFromInt(40)) {
		t.Errorf("SOL balance = %s, want the filled 40", snap.Balance(walletSOL))
	}
	if !snap.Balance(walletUSDC).Equal(decimal.NewFromInt(96000)) {
		t.Errorf("USDC balance = %s, want 96000", snap.Balance(walletUSDC))
	}
}

// Partial fills carry real deltas and observe the same key discipline as
// full fills.
func TestPartialFillUnknownKeyRejected(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	order := buyOrder("buy", 100, -10000)
	hs := &types.ExecutionHandshake{
		OrderID: order.OperationID,
		Status:  types.HandshakePartial,
		ActualDeltas: map[types.PositionKey]decimal.Decimal{
			"wallet:BaseToken:BONK": decimal.NewFromInt(1),
		},
		Timestamp: order.CreatedAt,
	}

	_, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs})
	var valErr *types.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

// A partially filled leg breaks its atomic group the same way a failed leg
// does: unwound by exclusion in backtest.
func TestPartialLegUnwindsAtomicGroup(t *testing.T) {
	f := newFixture(t, types.ModeBacktest)
	f.seed(t, 100000)

	buy := buyOrder("leg1", 100, -10000)
	sell := buyOrder("leg2", 50, -5000)
	for i, o := range []*types.Order{buy, sell} {
		o.ExecutionMode = types.ExecutionModeAtomic
		o.AtomicGroupID = "group-1"
		o.SequenceInGroup = i + 1
	}

	handshakes := []*types.ExecutionHandshake{
		successHandshake(buy, map[types.PositionKey]decimal.Decimal{
			walletSOL:  decimal.NewFromInt(100),
			walletUSDC: decimal.NewFromInt(-10000),
		}),
		{
			OrderID: "leg2",
			Status:  types.HandshakePartial,
			ActualDeltas: map[types.PositionKey]decimal.Decimal{
				walletSOL:  decimal.NewFromInt(20),
				walletUSDC: decimal.NewFromInt(-2000),
			},
			Timestamp: t0.Add(time.Hour),
		},
	}

	before := f.positions.GetSnapshot()
	result, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{buy, sell}, handshakes)
	if err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("tick = %s: %s", result.Status, result.Error)
	}
	after := f.positions.GetSnapshot()
	for _, key := range []types.PositionKey{walletUSDC, walletSOL} {
		if !after.Balance(key).Equal(before.Balance(key)) {
			t.Errorf("%s changed: %s -> %s", key, before.Balance(key), after.Balance(key))
		}
	}
}

// In live mode the executed legs are confirmed real fills; there is nothing
// local to unwind, so the handler escalates.
func TestPartialAtomicGroupLiveEscalates(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.seed(t, 100000)

	buy := buyOrder("leg1", 100, -10000)
	abort := buyOrder("leg2", 1, -100)
	for i, o := range []*types.Order{buy, abort} {
		o.ExecutionMode = types.ExecutionModeAtomic
		o.AtomicGroupID = "group-1"
		o.SequenceInGroup = i + 1
	}

	handshakes := []*types.ExecutionHandshake{
		successHandshake(buy, map[types.PositionKey]decimal.Decimal{
			walletSOL:  decimal.NewFromInt(100),
			walletUSDC: decimal.NewFromInt(-10000),
		}),
		{
			OrderID:   "leg2",
			Status:    types.HandshakeFailed,
			ErrorCode: types.ErrCodeGroupAborted,
			Timestamp: t0.Add(time.Hour),
		},
	}

	_, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{buy, abort}, handshakes)
	var sysErr *types.SystemFailure
	if !errors.As(err, &sysErr) {
		t.Fatalf("expected *SystemFailure, got %v", err)
	}
}

type stubPoller struct {
	balances map[types.PositionKey]decimal.Decimal
	calls    int
}

func (p *stubPoller) Balances(_ context.Context, keys []types.PositionKey) (map[types.PositionKey]decimal.Decimal, error) {
	p.calls++
	out := make(map[types.PositionKey]decimal.Decimal, len(keys))
	for _, key := range keys {
		out[key] = p.balances[key]
	}
	return out, nil
}

func TestRefreshConfirmsBalances(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.seed(t, 100000)

	// Drift the ledger with a simulated fill, then let the venue correct it.
	order := buyOrder("buy", 100, -10000)
	hs := successHandshake(order, map[types.PositionKey]decimal.Decimal{
		walletSOL:  decimal.NewFromInt(100),
		walletUSDC: decimal.NewFromInt(-10000),
	})
	if _, err := f.handler.OnExecution(context.Background(), t0.Add(time.Hour), []*types.Order{order}, []*types.ExecutionHandshake{hs}); err != nil {
		t.Fatalf("OnExecution failed: %v", err)
	}
	if f.positions.Provenance(walletSOL) != types.ProvenanceSimulated {
		t.Fatal("execution deltas must be provisional until confirmed")
	}

	f.handler.BindPoller(&stubPoller{balances: map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(89995),
		walletSOL:  decimal.NewFromInt(100),
		stakedMSOL: decimal.Zero,
	}})

	result, err := f.handler.OnRefresh(context.Background(), t0.Add(2*time.Hour), "refresh")
	if err != nil {
		t.Fatalf("OnRefresh failed: %v", err)
	}
	if result.Status != types.TickSettled {
		t.Fatalf("tick = %s", result.Status)
	}
	if !result.Positions.Balance(walletUSDC).Equal(decimal.NewFromInt(89995)) {
		t.Errorf("confirmed balance = %s", result.Positions.Balance(walletUSDC))
	}
	if f.positions.Provenance(walletUSDC) != types.ProvenanceConfirmed {
		t.Error("refreshed balances must be confirmed")
	}
}

func TestRefreshWithoutPollerFails(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	if _, err := f.handler.OnRefresh(context.Background(), t0, "refresh"); err == nil {
		t.Fatal("expected error without a bound poller")
	}
}
