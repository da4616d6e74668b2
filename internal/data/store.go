// Package data provides market data access for both modes: a JSON-file
// historical store for replay and a websocket ticker feed for live runs.
package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PricePoint is one observation in a symbol's price series.
type PricePoint struct {
	Timestamp   time.Time       `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
	OraclePrice decimal.Decimal `json:"oraclePrice,omitempty"`
}

// FundingPoint is one observation in a venue's funding-rate series.
type FundingPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Rate      decimal.Decimal `json:"rate"`
}

// Store provides access to historical price and funding data. Lookups return
// the last observation at or before the requested timestamp, so replay is
// deterministic and never reads ahead.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	prices  map[string][]PricePoint
	funding map[string][]FundingPoint
}

// NewStore creates a store rooted at dataDir. Series files named
// "<symbol>.json" and "funding_<venue>_<symbol>.json" are loaded lazily.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{
		logger:  logger.Named("data"),
		dataDir: dataDir,
		prices:  make(map[string][]PricePoint),
		funding: make(map[string][]FundingPoint),
	}, nil
}

// SetSeries installs a price series directly, replacing any loaded one.
func (s *Store) SetSeries(symbol string, points []PricePoint) {
	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	s.mu.Lock()
	s.prices[symbol] = sorted
	s.mu.Unlock()
}

// SetFundingSeries installs a funding series for venue/symbol.
func (s *Store) SetFundingSeries(venue, symbol string, points []FundingPoint) {
	sorted := make([]FundingPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	s.mu.Lock()
	s.funding[fundingKey(venue, symbol)] = sorted
	s.mu.Unlock()
}

// Price returns the market price of symbol at or before ts.
func (s *Store) Price(symbol string, ts time.Time) (decimal.Decimal, error) {
	pt, err := s.pointAt(symbol, ts)
	if err != nil {
		return decimal.Zero, err
	}
	return pt.Price, nil
}

// OraclePrice returns the oracle price of symbol at or before ts, falling
// back to the market price when the series carries no oracle column.
func (s *Store) OraclePrice(symbol string, ts time.Time) (decimal.Decimal, error) {
	pt, err := s.pointAt(symbol, ts)
	if err != nil {
		return decimal.Zero, err
	}
	if pt.OraclePrice.IsZero() {
		return pt.Price, nil
	}
	return pt.OraclePrice, nil
}

// FundingRate returns the funding rate for venue/symbol at or before ts.
// Symbols without a series fund at zero.
func (s *Store) FundingRate(venue, symbol string, ts time.Time) (decimal.Decimal, error) {
	key := fundingKey(venue, symbol)

	s.mu.RLock()
	series, ok := s.funding[key]
	s.mu.RUnlock()
	if !ok {
		loaded, err := s.loadFunding(venue, symbol)
		if err != nil {
			return decimal.Zero, nil
		}
		series = loaded
	}

	idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(ts) })
	if idx == 0 {
		return decimal.Zero, nil
	}
	return series[idx-1].Rate, nil
}

func (s *Store) pointAt(symbol string, ts time.Time) (PricePoint, error) {
	s.mu.RLock()
	series, ok := s.prices[symbol]
	s.mu.RUnlock()

	if !ok {
		loaded, err := s.loadSymbol(symbol)
		if err != nil {
			return PricePoint{}, err
		}
		series = loaded
	}
	if len(series) == 0 {
		return PricePoint{}, fmt.Errorf("no price data for %s", symbol)
	}

	idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(ts) })
	if idx == 0 {
		return PricePoint{}, fmt.Errorf("no price for %s at or before %s", symbol, ts.Format(time.RFC3339))
	}
	return series[idx-1], nil
}

func (s *Store) loadSymbol(symbol string) ([]PricePoint, error) {
	path := filepath.Join(s.dataDir, symbol+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no price series for %s: %w", symbol, err)
	}

	var points []PricePoint
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, fmt.Errorf("failed to parse price series %s: %w", path, err)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	s.mu.Lock()
	s.prices[symbol] = points
	s.mu.Unlock()

	s.logger.Debug("Loaded price series",
		zap.String("symbol", symbol),
		zap.Int("points", len(points)),
	)
	return points, nil
}

func (s *Store) loadFunding(venue, symbol string) ([]FundingPoint, error) {
	path := filepath.Join(s.dataDir, fmt.Sprintf("funding_%s_%s.json", venue, symbol))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var points []FundingPoint
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, fmt.Errorf("failed to parse funding series %s: %w", path, err)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	s.mu.Lock()
	s.funding[fundingKey(venue, symbol)] = points
	s.mu.Unlock()
	return points, nil
}

func fundingKey(venue, symbol string) string { return venue + ":" + symbol }
