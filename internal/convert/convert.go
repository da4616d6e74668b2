// Package convert provides the injected price/rate conversion service shared
// by the monitors. It is constructed once at wiring time and passed to every
// component; there is no ambient global state.
package convert

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource supplies market, oracle and funding data for one timestamp.
// The backtest store and the live feed both satisfy it.
type PriceSource interface {
	Price(symbol string, ts time.Time) (decimal.Decimal, error)
	OraclePrice(symbol string, ts time.Time) (decimal.Decimal, error)
	FundingRate(venue, symbol string, ts time.Time) (decimal.Decimal, error)
}

// Service converts balances between symbols and the configured share class.
type Service struct {
	logger     *zap.Logger
	source     PriceSource
	shareClass string
}

// NewService creates a conversion service for the given share class.
func NewService(logger *zap.Logger, source PriceSource, shareClass string) *Service {
	return &Service{
		logger:     logger.Named("convert"),
		source:     source,
		shareClass: shareClass,
	}
}

// ShareClass returns the reporting currency.
func (s *Service) ShareClass() string { return s.shareClass }

// Price returns the market price of a symbol quoted in the share class.
func (s *Service) Price(symbol string, ts time.Time) (decimal.Decimal, error) {
	if symbol == s.shareClass {
		return decimal.NewFromInt(1), nil
	}
	p, err := s.source.Price(symbol, ts)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price for %s at %s: %w", symbol, ts.Format(time.RFC3339), err)
	}
	return p, nil
}

// OraclePrice returns the oracle price of a symbol quoted in the share class.
func (s *Service) OraclePrice(symbol string, ts time.Time) (decimal.Decimal, error) {
	if symbol == s.shareClass {
		return decimal.NewFromInt(1), nil
	}
	p, err := s.source.OraclePrice(symbol, ts)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle price for %s at %s: %w", symbol, ts.Format(time.RFC3339), err)
	}
	return p, nil
}

// FundingRate returns the current funding rate for a perp symbol on a venue.
func (s *Service) FundingRate(venue, symbol string, ts time.Time) (decimal.Decimal, error) {
	return s.source.FundingRate(venue, symbol, ts)
}

// ToShareClass values an amount of a symbol in the share class at ts.
func (s *Service) ToShareClass(symbol string, amount decimal.Decimal, ts time.Time) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	p, err := s.Price(symbol, ts)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(p), nil
}
