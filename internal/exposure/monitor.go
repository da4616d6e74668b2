// Package exposure derives aggregate exposure from a position snapshot.
package exposure

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Monitor computes exposure snapshots. It is a pure function of its input
// snapshot and the conversion service; no state carries across ticks.
type Monitor struct {
	logger  *zap.Logger
	convert *convert.Service
}

// NewMonitor creates an exposure monitor using the injected conversion service.
func NewMonitor(logger *zap.Logger, conv *convert.Service) *Monitor {
	return &Monitor{
		logger:  logger.Named("exposure"),
		convert: conv,
	}
}

// CalculateExposure converts every balance to the share class and aggregates
// by asset, category and instrument class.
func (m *Monitor) CalculateExposure(positions *types.PositionSnapshot, ts time.Time) (*types.ExposureSnapshot, error) {
	shareClass := m.convert.ShareClass()
	snap := &types.ExposureSnapshot{
		Timestamp:  ts,
		ShareClass: shareClass,
		Total:      decimal.Zero,
		ByAsset:    make(map[string]decimal.Decimal),
		ByCategory: make(map[types.AttributionCategory]decimal.Decimal),
		ByClass:    make(map[types.InstrumentClass]decimal.Decimal),
		NetDelta:   decimal.Zero,
	}

	for key, balance := range positions.Balances {
		_, instrument, symbol, err := key.Parse()
		if err != nil {
			return nil, &types.ValidationError{Field: "positions", Reason: err.Error()}
		}

		value, err := m.valueKey(key, symbol, balance, ts)
		if err != nil {
			return nil, err
		}

		category := types.ClassifyKey(key, shareClass)
		snap.Total = snap.Total.Add(value)
		snap.ByAsset[symbol] = snap.ByAsset[symbol].Add(value)
		snap.ByCategory[category] = snap.ByCategory[category].Add(value)
		snap.ByClass[instrument.Class()] = snap.ByClass[instrument.Class()].Add(value)

		// Net delta counts everything not denominated in the share class:
		// spot, staked and lent assets long, perp shorts negative.
		if symbol != shareClass && !types.IsFundingKey(key) {
			snap.NetDelta = snap.NetDelta.Add(value)
		}
	}

	m.logger.Debug("Exposure calculated",
		zap.Time("ts", ts),
		zap.String("total", snap.Total.String()),
		zap.String("netDelta", snap.NetDelta.String()),
	)
	return snap, nil
}

func (m *Monitor) valueKey(key types.PositionKey, symbol string, balance decimal.Decimal, ts time.Time) (decimal.Decimal, error) {
	if types.IsFundingKey(key) {
		return balance, nil
	}
	return m.convert.ToShareClass(symbol, balance, ts)
}
