package pnl_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/internal/data"
	"github.com/vectorfund/strategy-engine/internal/pnl"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

var day1 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func fixtureMonitor(t *testing.T) *pnl.Monitor {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store.SetSeries("SOL", []data.PricePoint{
		{Timestamp: day1, Price: decimal.NewFromInt(100)},
		{Timestamp: day1.Add(24 * time.Hour), Price: decimal.NewFromInt(110)},
	})
	conv := convert.NewService(zap.NewNop(), store, "USDC")
	return pnl.NewMonitor(zap.NewNop(), conv, "USDC")
}

func holdings(sol int64, usdc int64) *types.PositionSnapshot {
	return &types.PositionSnapshot{
		Balances: map[types.PositionKey]decimal.Decimal{
			"wallet:BaseToken:SOL":  decimal.NewFromInt(sol),
			"wallet:BaseToken:USDC": decimal.NewFromInt(usdc),
		},
	}
}

func TestFirstObservationEstablishesBaseline(t *testing.T) {
	mon := fixtureMonitor(t)

	snap, err := mon.CalculatePnL(holdings(100, 50000), day1)
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}
	if !snap.TotalShareClass.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("total = %s, want 60000", snap.TotalShareClass)
	}
	if !snap.Change.IsZero() || !snap.Cumulative.IsZero() {
		t.Errorf("baseline tick must carry no P&L: change=%s cumulative=%s", snap.Change, snap.Cumulative)
	}
}

func TestPriceMoveAttributedToDelta(t *testing.T) {
	mon := fixtureMonitor(t)

	if _, err := mon.CalculatePnL(holdings(100, 50000), day1); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}
	snap, err := mon.CalculatePnL(holdings(100, 50000), day1.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}

	if !snap.Change.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("change = %s, want 1000", snap.Change)
	}
	if !snap.Cumulative.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cumulative = %s, want 1000", snap.Cumulative)
	}
	if !snap.Attribution[types.CategoryDelta].Equal(decimal.NewFromInt(1000)) {
		t.Errorf("delta attribution = %s, want 1000", snap.Attribution[types.CategoryDelta])
	}
	if !snap.Attribution[types.CategoryOther].IsZero() {
		t.Errorf("cash attribution = %s, want 0", snap.Attribution[types.CategoryOther])
	}
}

// Moving cash between keys changes no valuations, so P&L must not move.
func TestTransfersAreNotPnL(t *testing.T) {
	mon := fixtureMonitor(t)

	if _, err := mon.CalculatePnL(holdings(0, 100000), day1); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}

	moved := &types.PositionSnapshot{
		Balances: map[types.PositionKey]decimal.Decimal{
			"wallet:BaseToken:USDC":  decimal.NewFromInt(60000),
			"binance:BaseToken:USDC": decimal.NewFromInt(40000),
		},
	}
	snap, err := mon.CalculatePnL(moved, day1.Add(time.Hour))
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}
	if !snap.Change.IsZero() {
		t.Errorf("transfer produced P&L: %s", snap.Change)
	}
}

func TestFundingAccrualAttributedToFunding(t *testing.T) {
	mon := fixtureMonitor(t)

	if _, err := mon.CalculatePnL(holdings(0, 100000), day1); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}

	withFunding := &types.PositionSnapshot{
		Balances: map[types.PositionKey]decimal.Decimal{
			"wallet:BaseToken:USDC":            decimal.NewFromInt(100000),
			"drift:BaseToken:FUNDING_SOL-PERP": decimal.NewFromFloat(25),
		},
	}
	snap, err := mon.CalculatePnL(withFunding, day1.Add(time.Hour))
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}
	if !snap.Change.Equal(decimal.NewFromInt(25)) {
		t.Errorf("change = %s, want 25", snap.Change)
	}
	if !snap.Attribution[types.CategoryFunding].Equal(decimal.NewFromInt(25)) {
		t.Errorf("funding attribution = %s", snap.Attribution[types.CategoryFunding])
	}
}

func TestCumulativeAccumulatesAcrossTicks(t *testing.T) {
	mon := fixtureMonitor(t)

	if _, err := mon.CalculatePnL(holdings(100, 0), day1); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}
	if _, err := mon.CalculatePnL(holdings(100, 0), day1.Add(24*time.Hour)); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if !mon.Cumulative().Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cumulative = %s, want 1000", mon.Cumulative())
	}
}
