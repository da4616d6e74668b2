// Package pnl computes profit-and-loss and attribution from balance
// snapshots. The monitor must run strictly after reconciliation; the position
// update handler is its single call site.
package pnl

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Monitor tracks the running P&L across ticks. The only cross-tick state is
// the previous totals used to compute per-tick change.
type Monitor struct {
	logger     *zap.Logger
	convert    *convert.Service
	settlement string

	initialized  bool
	prevTotal    decimal.Decimal
	cumulative   decimal.Decimal
	prevCategory map[types.AttributionCategory]decimal.Decimal
}

// NewMonitor creates a P&L monitor. settlement may equal the share class.
func NewMonitor(logger *zap.Logger, conv *convert.Service, settlement string) *Monitor {
	if settlement == "" {
		settlement = conv.ShareClass()
	}
	return &Monitor{
		logger:       logger.Named("pnl"),
		convert:      conv,
		settlement:   settlement,
		prevCategory: make(map[types.AttributionCategory]decimal.Decimal),
	}
}

// CalculatePnL values the snapshot, computes the change since the previous
// call and running cumulative P&L, and attributes the change across the fixed
// categories by classifying each position key.
func (m *Monitor) CalculatePnL(positions *types.PositionSnapshot, ts time.Time) (*types.PnLSnapshot, error) {
	shareClass := m.convert.ShareClass()

	total := decimal.Zero
	byCategory := make(map[types.AttributionCategory]decimal.Decimal)
	for key, balance := range positions.Balances {
		_, _, symbol, err := key.Parse()
		if err != nil {
			return nil, &types.ValidationError{Field: "positions", Reason: err.Error()}
		}
		var value decimal.Decimal
		if types.IsFundingKey(key) {
			value = balance
		} else {
			value, err = m.convert.ToShareClass(symbol, balance, ts)
			if err != nil {
				return nil, err
			}
		}
		total = total.Add(value)
		category := types.ClassifyKey(key, shareClass)
		byCategory[category] = byCategory[category].Add(value)
	}

	snap := &types.PnLSnapshot{
		Timestamp:       ts,
		TotalShareClass: total,
		Attribution:     make(map[types.AttributionCategory]decimal.Decimal, len(types.AttributionCategories)),
	}

	raw, err := m.toSettlement(total, ts)
	if err != nil {
		return nil, err
	}
	snap.TotalRaw = raw

	if m.initialized {
		snap.Change = total.Sub(m.prevTotal)
		m.cumulative = m.cumulative.Add(snap.Change)
		for _, category := range types.AttributionCategories {
			snap.Attribution[category] = byCategory[category].Sub(m.prevCategory[category])
		}
	} else {
		// First observation establishes the baseline; no P&L yet.
		for _, category := range types.AttributionCategories {
			snap.Attribution[category] = decimal.Zero
		}
		m.initialized = true
	}
	snap.Cumulative = m.cumulative

	m.prevTotal = total
	m.prevCategory = byCategory

	m.logger.Debug("PnL calculated",
		zap.Time("ts", ts),
		zap.String("total", total.String()),
		zap.String("change", snap.Change.String()),
		zap.String("cumulative", snap.Cumulative.String()),
	)
	return snap, nil
}

// Cumulative returns the running cumulative P&L in share-class units.
func (m *Monitor) Cumulative() decimal.Decimal { return m.cumulative }

func (m *Monitor) toSettlement(totalShareClass decimal.Decimal, ts time.Time) (decimal.Decimal, error) {
	if m.settlement == m.convert.ShareClass() {
		return totalShareClass, nil
	}
	rate, err := m.convert.Price(m.settlement, ts)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsZero() {
		return decimal.Zero, &types.ValidationError{Field: "settlement", Reason: "zero settlement rate"}
	}
	return totalShareClass.Div(rate), nil
}
