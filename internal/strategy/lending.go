package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// dustValue is the smallest order notional worth sending, in share-class units.
var dustValue = decimal.NewFromFloat(0.01)

// lendingVariant supplies the share-class token to a lending venue and
// withdraws it on exit. The simplest variant: one leg each way.
type lendingVariant struct {
	conv         *convert.Service
	walletVenue  string
	lendingVenue string
	allocation   decimal.Decimal
}

func newLendingVariant(conv *convert.Service, cfg types.StrategyConfig) (*lendingVariant, error) {
	if cfg.WalletVenue == "" {
		return nil, &types.ConfigurationError{Key: "strategy.wallet_venue", Reason: "required for lending"}
	}
	if cfg.LendingVenue == "" {
		return nil, &types.ConfigurationError{Key: "strategy.lending_venue", Reason: "required for lending"}
	}
	return &lendingVariant{
		conv:         conv,
		walletVenue:  cfg.WalletVenue,
		lendingVenue: cfg.LendingVenue,
		allocation:   decimal.NewFromInt(1),
	}, nil
}

func (v *lendingVariant) Name() string { return "lending" }

func (v *lendingVariant) walletKey() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentBaseToken, v.conv.ShareClass())
}

func (v *lendingVariant) supplyKey() types.PositionKey {
	return types.NewPositionKey(v.lendingVenue, types.InstrumentAToken, v.conv.ShareClass())
}

func (v *lendingVariant) EntryFull(d Decision) ([]*types.Order, error) {
	return v.EntryPartial(d, decimal.NewFromInt(1))
}

func (v *lendingVariant) EntryPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	amount := d.Positions.Balance(v.walletKey()).Mul(v.allocation).Mul(fraction)
	if amount.LessThan(dustValue) {
		return nil, nil
	}

	order := newOrder(d.Timestamp, "lending:supply", types.OperationSupply, v.lendingVenue)
	order.Amount = amount
	order.SourceToken = v.conv.ShareClass()
	order.ExpectedDeltas[v.walletKey()] = amount.Neg()
	order.ExpectedDeltas[v.supplyKey()] = amount
	return []*types.Order{order}, nil
}

func (v *lendingVariant) ExitPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	supplied := d.Positions.Balance(v.supplyKey())
	amount := supplied.Mul(fraction)
	if amount.LessThan(dustValue) {
		return nil, nil
	}

	order := newOrder(d.Timestamp, "lending:withdraw", types.OperationWithdraw, v.lendingVenue)
	order.Amount = amount
	order.SourceToken = v.conv.ShareClass()
	order.ExpectedDeltas[v.supplyKey()] = amount.Neg()
	order.ExpectedDeltas[v.walletKey()] = amount
	return []*types.Order{order}, nil
}

func (v *lendingVariant) ExitFull(d Decision) ([]*types.Order, error) {
	return v.ExitPartial(d, decimal.NewFromInt(1))
}

func (v *lendingVariant) Rebalance(d Decision) ([]*types.Order, error) {
	// Pure lending has nothing to rebalance between.
	return nil, nil
}
