package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/pkg/types"
)

// simFill turns an order's expected deltas into deterministic actual deltas:
// trade operations pay slippage plus commission out of the share-class cash
// leg, everything else fills exactly as expected. Trades whose cash notional
// exceeds the configured liquidity cap fill partially, pro rata. Confirmation
// latency is a fixed offset on the handshake timestamp.
type simFill struct {
	shareClass    string
	slippageBps   decimal.Decimal
	commissionBps decimal.Decimal
	maxNotional   decimal.Decimal
	latency       time.Duration
}

func newSimFill(shareClass string, cfg types.SimConfig) simFill {
	return simFill{
		shareClass:    shareClass,
		slippageBps:   decimal.NewFromFloat(cfg.SlippageBps),
		commissionBps: decimal.NewFromFloat(cfg.CommissionBps),
		maxNotional:   decimal.NewFromFloat(cfg.MaxFillNotional),
		latency:       cfg.FillLatency,
	}
}

var bpsDenom = decimal.NewFromInt(10000)

func (f simFill) fill(order *types.Order, costBps decimal.Decimal) *types.ExecutionHandshake {
	actual := make(map[types.PositionKey]decimal.Decimal, len(order.ExpectedDeltas))
	for key, delta := range order.ExpectedDeltas {
		actual[key] = delta
	}

	status := types.HandshakeSuccess
	if f.maxNotional.IsPositive() && isTrade(order.Operation) {
		if _, notional, ok := cashLeg(order, f.shareClass); ok && notional.GreaterThan(f.maxNotional) {
			ratio := f.maxNotional.Div(notional)
			for key, delta := range actual {
				actual[key] = delta.Mul(ratio)
			}
			status = types.HandshakePartial
		}
	}

	if !costBps.IsZero() && isTrade(order.Operation) {
		if key, _, ok := cashLeg(order, f.shareClass); ok {
			cost := actual[key].Abs().Mul(costBps).Div(bpsDenom)
			actual[key] = actual[key].Sub(cost)
		}
	}

	return &types.ExecutionHandshake{
		OrderID:      order.OperationID,
		Status:       status,
		ActualDeltas: actual,
		Timestamp:    order.CreatedAt.Add(f.latency),
	}
}

func isTrade(op types.Operation) bool {
	return op == types.OperationSpotTrade || op == types.OperationPerpTrade
}

// cashLeg finds the share-class cash key in the order's deltas and the
// notional it moves. The fill cost is charged against that leg.
func cashLeg(order *types.Order, shareClass string) (types.PositionKey, decimal.Decimal, bool) {
	for key, delta := range order.ExpectedDeltas {
		_, instrument, symbol, err := key.Parse()
		if err != nil {
			continue
		}
		if instrument == types.InstrumentBaseToken && symbol == shareClass {
			return key, delta.Abs(), true
		}
	}
	return "", decimal.Zero, false
}

// CEXSim simulates a centralized exchange: fills at model price with slippage
// plus taker commission.
type CEXSim struct {
	logger *zap.Logger
	fill   simFill
}

// NewCEXSim creates the backtest CEX executor.
func NewCEXSim(logger *zap.Logger, shareClass string, cfg types.SimConfig) *CEXSim {
	return &CEXSim{logger: logger.Named("sim.cex"), fill: newSimFill(shareClass, cfg)}
}

func (s *CEXSim) Execute(_ context.Context, order *types.Order) (*types.ExecutionHandshake, error) {
	hs := s.fill.fill(order, s.fill.slippageBps.Add(s.fill.commissionBps))
	s.logger.Debug("Simulated CEX fill",
		zap.String("orderId", order.OperationID),
		zap.String("operation", string(order.Operation)),
	)
	return hs, nil
}

// OnChainSim simulates on-chain execution: DEX trades pay slippage, protocol
// interactions (supply/borrow/stake) fill exactly.
type OnChainSim struct {
	logger *zap.Logger
	fill   simFill
}

// NewOnChainSim creates the backtest on-chain executor.
func NewOnChainSim(logger *zap.Logger, shareClass string, cfg types.SimConfig) *OnChainSim {
	return &OnChainSim{logger: logger.Named("sim.onchain"), fill: newSimFill(shareClass, cfg)}
}

func (s *OnChainSim) Execute(_ context.Context, order *types.Order) (*types.ExecutionHandshake, error) {
	hs := s.fill.fill(order, s.fill.slippageBps)
	s.logger.Debug("Simulated on-chain fill",
		zap.String("orderId", order.OperationID),
		zap.String("operation", string(order.Operation)),
	)
	return hs, nil
}

// TransferSim simulates cross-venue transfers: balances move exactly, after
// the fixed confirmation latency.
type TransferSim struct {
	logger *zap.Logger
	fill   simFill
}

// NewTransferSim creates the backtest transfer executor.
func NewTransferSim(logger *zap.Logger, shareClass string, cfg types.SimConfig) *TransferSim {
	return &TransferSim{logger: logger.Named("sim.transfer"), fill: newSimFill(shareClass, cfg)}
}

func (s *TransferSim) Execute(_ context.Context, order *types.Order) (*types.ExecutionHandshake, error) {
	return s.fill.fill(order, decimal.Zero), nil
}
