package venue_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/venue"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

func simConfig() types.SimConfig {
	return types.SimConfig{
		SlippageBps:   5,
		CommissionBps: 10,
		FillLatency:   2 * time.Second,
	}
}

func spotBuy(created time.Time) *types.Order {
	return &types.Order{
		OperationID: "op-1",
		Venue:       "binance",
		Operation:   types.OperationSpotTrade,
		Amount:      decimal.NewFromInt(100),
		ExpectedDeltas: map[types.PositionKey]decimal.Decimal{
			"binance:BaseToken:SOL":  decimal.NewFromInt(100),
			"binance:BaseToken:USDC": decimal.NewFromInt(-10000),
		},
		CreatedAt: created,
	}
}

func TestCEXSimChargesCostsOnCashLeg(t *testing.T) {
	sim := venue.NewCEXSim(zap.NewNop(), "USDC", simConfig())
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	hs, err := sim.Execute(context.Background(), spotBuy(created))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if hs.Status != types.HandshakeSuccess {
		t.Fatalf("status = %s", hs.Status)
	}

	// 15 bps on 10,000 notional: 15 USDC on top of the expected cash delta.
	wantCash := decimal.NewFromInt(-10015)
	if got := hs.ActualDeltas["binance:BaseToken:USDC"]; !got.Equal(wantCash) {
		t.Errorf("cash delta = %s, want %s", got, wantCash)
	}
	if got := hs.ActualDeltas["binance:BaseToken:SOL"]; !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("asset delta = %s, want 100", got)
	}
	if want := created.Add(2 * time.Second); !hs.Timestamp.Equal(want) {
		t.Errorf("timestamp = %s, want %s", hs.Timestamp, want)
	}
}

// A trade above the liquidity cap fills pro rata and reports PARTIAL, with
// costs charged on the filled notional.
func TestCEXSimPartialFillAtLiquidityCap(t *testing.T) {
	cfg := simConfig()
	cfg.MaxFillNotional = 5000
	sim := venue.NewCEXSim(zap.NewNop(), "USDC", cfg)

	hs, err := sim.Execute(context.Background(), spotBuy(time.Now()))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if hs.Status != types.HandshakePartial {
		t.Fatalf("status = %s, want %s", hs.Status, types.HandshakePartial)
	}

	// Half the 10,000 notional fills: 50 SOL, 5,000 USDC plus 15 bps on the
	// filled 5,000.
	if got := hs.ActualDeltas["binance:BaseToken:SOL"]; !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("asset delta = %s, want 50", got)
	}
	wantCash := decimal.NewFromFloat(-5007.5)
	if got := hs.ActualDeltas["binance:BaseToken:USDC"]; !got.Equal(wantCash) {
		t.Errorf("cash delta = %s, want %s", got, wantCash)
	}
}

func TestCEXSimIsDeterministic(t *testing.T) {
	sim := venue.NewCEXSim(zap.NewNop(), "USDC", simConfig())
	created := time.Now()

	a, _ := sim.Execute(context.Background(), spotBuy(created))
	b, _ := sim.Execute(context.Background(), spotBuy(created))
	for key, delta := range a.ActualDeltas {
		if !b.ActualDeltas[key].Equal(delta) {
			t.Errorf("fills diverged on %s: %s vs %s", key, delta, b.ActualDeltas[key])
		}
	}
}

func TestOnChainSimSkipsCostsOnProtocolOps(t *testing.T) {
	sim := venue.NewOnChainSim(zap.NewNop(), "USDC", simConfig())

	supply := &types.Order{
		OperationID: "op-2",
		Venue:       "aave",
		Operation:   types.OperationSupply,
		Amount:      decimal.NewFromInt(5000),
		ExpectedDeltas: map[types.PositionKey]decimal.Decimal{
			"wallet:BaseToken:USDC": decimal.NewFromInt(-5000),
			"aave:aToken:USDC":      decimal.NewFromInt(5000),
		},
		CreatedAt: time.Now(),
	}
	hs, err := sim.Execute(context.Background(), supply)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for key, expected := range supply.ExpectedDeltas {
		if !hs.ActualDeltas[key].Equal(expected) {
			t.Errorf("protocol op must fill exactly: %s = %s", key, hs.ActualDeltas[key])
		}
	}
}

func TestTransferSimFillsExactly(t *testing.T) {
	sim := venue.NewTransferSim(zap.NewNop(), "USDC", simConfig())

	transfer := &types.Order{
		OperationID: "op-3",
		Venue:       "bridge",
		Operation:   types.OperationTransfer,
		Amount:      decimal.NewFromInt(40000),
		SourceVenue: "wallet",
		TargetVenue: "binance",
		SourceToken: "USDC",
		ExpectedDeltas: map[types.PositionKey]decimal.Decimal{
			"wallet:BaseToken:USDC":  decimal.NewFromInt(-40000),
			"binance:BaseToken:USDC": decimal.NewFromInt(40000),
		},
		CreatedAt: time.Now(),
	}
	hs, err := sim.Execute(context.Background(), transfer)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	total := decimal.Zero
	for _, delta := range hs.ActualDeltas {
		total = total.Add(delta)
	}
	if !total.IsZero() {
		t.Errorf("transfer must conserve value, net delta %s", total)
	}
}
