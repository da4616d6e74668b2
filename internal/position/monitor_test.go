package position_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/position"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

var (
	walletUSDC = types.PositionKey("wallet:BaseToken:USDC")
	cexUSDC    = types.PositionKey("binance:BaseToken:USDC")
)

func newMonitor(t *testing.T) *position.Monitor {
	t.Helper()
	return position.NewMonitor(zap.NewNop(), []types.PositionKey{walletUSDC, cexUSDC})
}

func TestSubscriptionsSeededAtZero(t *testing.T) {
	m := newMonitor(t)
	snap := m.GetSnapshot()
	if !snap.Balance(walletUSDC).IsZero() {
		t.Errorf("expected zero balance, got %s", snap.Balance(walletUSDC))
	}
	if got := m.Provenance(walletUSDC); got != types.ProvenanceConfirmed {
		t.Errorf("seeded subscription provenance = %s", got)
	}
}

// Deltas are signed adjustments, not target balances. Applying the same fee
// delta twice must reduce the balance twice.
func TestDeltasAreNotIdempotent(t *testing.T) {
	m := newMonitor(t)
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.UpdateState(ts, "seed", map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(100000),
	}, types.ProvenanceConfirmed)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fee := map[types.PositionKey]decimal.Decimal{walletUSDC: decimal.NewFromInt(-1000)}

	snap, err := m.UpdateState(ts.Add(time.Hour), "execution", fee, types.ProvenanceSimulated)
	if err != nil {
		t.Fatalf("first fee failed: %v", err)
	}
	if got := snap.Balance(walletUSDC); !got.Equal(decimal.NewFromInt(99000)) {
		t.Fatalf("after first fee: %s", got)
	}

	snap, err = m.UpdateState(ts.Add(2*time.Hour), "execution", fee, types.ProvenanceSimulated)
	if err != nil {
		t.Fatalf("second fee failed: %v", err)
	}
	if got := snap.Balance(walletUSDC); !got.Equal(decimal.NewFromInt(98000)) {
		t.Fatalf("after second fee: %s", got)
	}
}

func TestUpdateStateRejectsMalformedKey(t *testing.T) {
	m := newMonitor(t)
	before := m.GetSnapshot()

	_, err := m.UpdateState(time.Now(), "execution", map[types.PositionKey]decimal.Decimal{
		"not-a-key": decimal.NewFromInt(1),
	}, types.ProvenanceSimulated)
	if err == nil {
		t.Fatal("expected validation error")
	}

	after := m.GetSnapshot()
	if len(after.Balances) != len(before.Balances) {
		t.Error("rejected update must not mutate state")
	}
}

func TestSetAuthoritativeOverwrites(t *testing.T) {
	m := newMonitor(t)
	ts := time.Now()

	if _, err := m.UpdateState(ts, "execution", map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(500),
	}, types.ProvenanceSimulated); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := m.Provenance(walletUSDC); got != types.ProvenanceSimulated {
		t.Fatalf("provenance = %s before confirmation", got)
	}

	snap, err := m.SetAuthoritative(ts.Add(time.Minute), "refresh", map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(498),
	})
	if err != nil {
		t.Fatalf("SetAuthoritative failed: %v", err)
	}
	if got := snap.Balance(walletUSDC); !got.Equal(decimal.NewFromInt(498)) {
		t.Errorf("confirmed balance = %s", got)
	}
	if got := m.Provenance(walletUSDC); got != types.ProvenanceConfirmed {
		t.Errorf("provenance = %s after confirmation", got)
	}
}

// Transfers move value between keys without creating or destroying it.
func TestTransferConservesTotal(t *testing.T) {
	m := newMonitor(t)
	ts := time.Now()

	if _, err := m.UpdateState(ts, "seed", map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(100000),
	}, types.ProvenanceConfirmed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	snap, err := m.UpdateState(ts.Add(time.Hour), "execution", map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(-40000),
		cexUSDC:    decimal.NewFromInt(40000),
	}, types.ProvenanceSimulated)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if got := snap.Balance(walletUSDC); !got.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("wallet = %s", got)
	}
	if got := snap.Balance(cexUSDC); !got.Equal(decimal.NewFromInt(40000)) {
		t.Errorf("exchange = %s", got)
	}
	total := snap.Balance(walletUSDC).Add(snap.Balance(cexUSDC))
	if !total.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("total = %s, transfer must conserve value", total)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := newMonitor(t)
	ts := time.Now()

	snap, err := m.UpdateState(ts, "execution", map[types.PositionKey]decimal.Decimal{
		walletUSDC: decimal.NewFromInt(10),
	}, types.ProvenanceSimulated)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	snap.Balances[walletUSDC] = decimal.NewFromInt(-999)

	if got := m.GetSnapshot().Balance(walletUSDC); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("snapshot mutation leaked into monitor: %s", got)
	}
}
