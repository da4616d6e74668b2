// Package risk derives named risk metrics and limit breaches from an
// exposure snapshot and the positions behind it.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Monitor classifies risk metrics against configured thresholds. Thresholds
// are validated at construction: warning strictly below critical.
type Monitor struct {
	logger  *zap.Logger
	convert *convert.Service
	risk    types.RiskConfig
	venues  map[string]types.VenueConfig
}

// NewMonitor creates a risk monitor. It fails fast when the threshold
// ordering is violated.
func NewMonitor(logger *zap.Logger, conv *convert.Service, cfg *types.Config) (*Monitor, error) {
	if cfg.Risk.LTVWarning >= cfg.Risk.LTVCritical {
		return nil, &types.ConfigurationError{Key: "risk.ltv_warning", Reason: "must be strictly below ltv_critical"}
	}
	if cfg.Risk.LSTDeviationWarning >= cfg.Risk.LSTDeviationCritical {
		return nil, &types.ConfigurationError{Key: "risk.lst_deviation_warning", Reason: "must be strictly below lst_deviation_critical"}
	}
	return &Monitor{
		logger:  logger.Named("risk"),
		convert: conv,
		risk:    cfg.Risk,
		venues:  cfg.Venues,
	}, nil
}

// AssessRisk computes all risk metrics for the given snapshots.
func (m *Monitor) AssessRisk(exposure *types.ExposureSnapshot, positions *types.PositionSnapshot, ts time.Time) (*types.RiskSnapshot, error) {
	snap := &types.RiskSnapshot{Timestamp: ts}

	ltv, err := m.ltvMetrics(positions, ts)
	if err != nil {
		return nil, err
	}
	snap.Metrics = append(snap.Metrics, ltv...)

	margin, err := m.marginMetrics(positions, ts)
	if err != nil {
		return nil, err
	}
	snap.Metrics = append(snap.Metrics, margin...)

	lst, err := m.lstDeviationMetrics(positions, ts)
	if err != nil {
		return nil, err
	}
	snap.Metrics = append(snap.Metrics, lst...)

	for _, metric := range snap.Metrics {
		switch metric.Level {
		case types.RiskWarning:
			snap.WarningCount++
		case types.RiskCritical:
			snap.CriticalCount++
		}
	}
	if snap.CriticalCount > 0 {
		m.logger.Warn("Critical risk detected",
			zap.Time("ts", ts),
			zap.Int("critical", snap.CriticalCount),
			zap.Int("warning", snap.WarningCount),
		)
	}
	return snap, nil
}

// ClassifyDeviation classifies an absolute deviation against the LST
// thresholds: critical iff d >= critical, warning iff warning <= d < critical.
func (m *Monitor) ClassifyDeviation(d decimal.Decimal) types.RiskLevel {
	return classify(d,
		decimal.NewFromFloat(m.risk.LSTDeviationWarning),
		decimal.NewFromFloat(m.risk.LSTDeviationCritical))
}

// ltvMetrics computes loan-to-value per lending venue: debt value over
// collateral value, AAVE-style.
func (m *Monitor) ltvMetrics(positions *types.PositionSnapshot, ts time.Time) ([]types.RiskMetric, error) {
	collateral := make(map[string]decimal.Decimal)
	debt := make(map[string]decimal.Decimal)

	for key, balance := range positions.Balances {
		venue, instrument, symbol, err := key.Parse()
		if err != nil {
			return nil, &types.ValidationError{Field: "positions", Reason: err.Error()}
		}
		switch instrument {
		case types.InstrumentAToken:
			value, err := m.convert.ToShareClass(symbol, balance, ts)
			if err != nil {
				return nil, err
			}
			collateral[venue] = collateral[venue].Add(value)
		case types.InstrumentDebtToken:
			value, err := m.convert.ToShareClass(symbol, balance, ts)
			if err != nil {
				return nil, err
			}
			// Debt balances are carried negative in the ledger.
			debt[venue] = debt[venue].Add(value.Abs())
		}
	}

	warning := decimal.NewFromFloat(m.risk.LTVWarning)
	critical := decimal.NewFromFloat(m.risk.LTVCritical)

	var metrics []types.RiskMetric
	for venue, coll := range collateral {
		owed := debt[venue]
		if coll.IsZero() {
			if owed.IsZero() {
				continue
			}
			metrics = append(metrics, types.RiskMetric{
				Name:     "ltv",
				Venue:    venue,
				Value:    decimal.NewFromInt(1),
				Warning:  warning,
				Critical: critical,
				Level:    types.RiskCritical,
				Detail:   "debt with no collateral",
			})
			continue
		}
		ltv := owed.Div(coll)
		metrics = append(metrics, types.RiskMetric{
			Name:     "ltv",
			Venue:    venue,
			Value:    ltv,
			Warning:  warning,
			Critical: critical,
			Level:    classify(ltv, warning, critical),
		})
	}
	return metrics, nil
}

// marginMetrics computes leverage per perp venue: gross perp notional over
// venue equity, classified against the venue's leverage limits.
func (m *Monitor) marginMetrics(positions *types.PositionSnapshot, ts time.Time) ([]types.RiskMetric, error) {
	notional := make(map[string]decimal.Decimal)
	equity := make(map[string]decimal.Decimal)

	for key, balance := range positions.Balances {
		venue, instrument, symbol, err := key.Parse()
		if err != nil {
			return nil, &types.ValidationError{Field: "positions", Reason: err.Error()}
		}
		if types.IsFundingKey(key) {
			equity[venue] = equity[venue].Add(balance)
			continue
		}
		value, err := m.convert.ToShareClass(symbol, balance, ts)
		if err != nil {
			return nil, err
		}
		if instrument == types.InstrumentPerp {
			notional[venue] = notional[venue].Add(value.Abs())
		} else {
			equity[venue] = equity[venue].Add(value)
		}
	}

	var metrics []types.RiskMetric
	for venue, gross := range notional {
		vc, ok := m.venues[venue]
		if !ok || vc.MaxLeverage <= 0 {
			continue
		}
		critical := decimal.NewFromFloat(vc.MaxLeverage)
		warning := decimal.NewFromFloat(vc.MarginWarning)
		if warning.IsZero() {
			warning = critical.Mul(decimal.NewFromFloat(0.8))
		}

		eq := equity[venue]
		if eq.LessThanOrEqual(decimal.Zero) {
			metrics = append(metrics, types.RiskMetric{
				Name:     "leverage",
				Venue:    venue,
				Value:    critical,
				Warning:  warning,
				Critical: critical,
				Level:    types.RiskCritical,
				Detail:   "perp exposure with no venue equity",
			})
			continue
		}
		leverage := gross.Div(eq)
		metrics = append(metrics, types.RiskMetric{
			Name:     "leverage",
			Venue:    venue,
			Value:    leverage,
			Warning:  warning,
			Critical: critical,
			Level:    classify(leverage, warning, critical),
		})
	}
	return metrics, nil
}

// lstDeviationMetrics compares each held LST's oracle price to its market
// price at the same timestamp: deviation = |oracle - market| / oracle.
func (m *Monitor) lstDeviationMetrics(positions *types.PositionSnapshot, ts time.Time) ([]types.RiskMetric, error) {
	seen := make(map[string]bool)
	var metrics []types.RiskMetric

	for key, balance := range positions.Balances {
		_, instrument, symbol, err := key.Parse()
		if err != nil {
			return nil, &types.ValidationError{Field: "positions", Reason: err.Error()}
		}
		if instrument != types.InstrumentLST || balance.IsZero() || seen[symbol] {
			continue
		}
		seen[symbol] = true

		oracle, err := m.convert.OraclePrice(symbol, ts)
		if err != nil {
			return nil, err
		}
		market, err := m.convert.Price(symbol, ts)
		if err != nil {
			return nil, err
		}
		if oracle.IsZero() {
			return nil, fmt.Errorf("zero oracle price for LST %s", symbol)
		}
		deviation := oracle.Sub(market).Abs().Div(oracle)

		metrics = append(metrics, types.RiskMetric{
			Name:     "lst_deviation",
			Value:    deviation,
			Warning:  decimal.NewFromFloat(m.risk.LSTDeviationWarning),
			Critical: decimal.NewFromFloat(m.risk.LSTDeviationCritical),
			Level:    m.ClassifyDeviation(deviation),
			Detail:   symbol,
		})
	}
	return metrics, nil
}

func classify(value, warning, critical decimal.Decimal) types.RiskLevel {
	switch {
	case value.GreaterThanOrEqual(critical):
		return types.RiskCritical
	case value.GreaterThanOrEqual(warning):
		return types.RiskWarning
	default:
		return types.RiskSafe
	}
}
