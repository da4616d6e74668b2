package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// tickerMessage is the wire shape pushed by the market data gateway.
type tickerMessage struct {
	Type        string          `json:"type"` // "ticker" or "funding"
	Symbol      string          `json:"symbol"`
	Venue       string          `json:"venue,omitempty"`
	Price       decimal.Decimal `json:"price"`
	OraclePrice decimal.Decimal `json:"oraclePrice,omitempty"`
	Rate        decimal.Decimal `json:"rate,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Feed is a live price source backed by a websocket ticker stream. It keeps
// the latest observation per symbol; timestamp arguments on lookups are
// ignored because live pricing is always "now".
type Feed struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	url     string
	prices  map[string]PricePoint
	funding map[string]decimal.Decimal
}

// NewFeed creates a live feed for the given websocket endpoint.
func NewFeed(logger *zap.Logger, url string) *Feed {
	return &Feed{
		logger:  logger.Named("feed"),
		url:     url,
		prices:  make(map[string]PricePoint),
		funding: make(map[string]decimal.Decimal),
	}
}

// Run connects and consumes ticker messages until ctx is cancelled,
// reconnecting with doubling backoff on read or dial failure.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("Feed dial failed, retrying",
				zap.String("url", f.url),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		f.logger.Info("Feed connected", zap.String("url", f.url))
		backoff = time.Second

		err = f.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("Feed disconnected, reconnecting", zap.Error(err))
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Debug("Dropping malformed feed message", zap.Error(err))
			continue
		}
		f.apply(msg)
	}
}

func (f *Feed) apply(msg tickerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg.Type {
	case "ticker":
		f.prices[msg.Symbol] = PricePoint{
			Timestamp:   msg.Timestamp,
			Price:       msg.Price,
			OraclePrice: msg.OraclePrice,
		}
	case "funding":
		f.funding[fundingKey(msg.Venue, msg.Symbol)] = msg.Rate
	}
}

// Price returns the latest market price for symbol.
func (f *Feed) Price(symbol string, _ time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pt, ok := f.prices[symbol]
	if !ok || pt.Price.IsZero() {
		return decimal.Zero, fmt.Errorf("no live price for %s", symbol)
	}
	return pt.Price, nil
}

// OraclePrice returns the latest oracle price for symbol, falling back to the
// market price when the feed carries no oracle column.
func (f *Feed) OraclePrice(symbol string, _ time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pt, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no live oracle price for %s", symbol)
	}
	if pt.OraclePrice.IsZero() {
		return pt.Price, nil
	}
	return pt.OraclePrice, nil
}

// FundingRate returns the latest funding rate for venue/symbol, zero when the
// feed has not observed one.
func (f *Feed) FundingRate(venue, symbol string, _ time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.funding[fundingKey(venue, symbol)], nil
}
