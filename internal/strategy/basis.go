package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// basisVariant holds a staked asset hedged by an offsetting perp short:
// buy spot, stake, short perp as one atomic group, with the perp margin
// transferred ahead of the group.
type basisVariant struct {
	conv         *convert.Service
	walletVenue  string
	spotVenue    string
	stakingVenue string
	perpVenue    string
	asset        string
	lstSymbol    string
	perpSymbol   string
	allocation   decimal.Decimal
}

func newBasisVariant(conv *convert.Service, cfg types.StrategyConfig) (*basisVariant, error) {
	for key, val := range map[string]string{
		"strategy.wallet_venue":  cfg.WalletVenue,
		"strategy.spot_venue":    cfg.SpotVenue,
		"strategy.staking_venue": cfg.StakingVenue,
		"strategy.perp_venue":    cfg.PerpVenue,
		"strategy.asset":         cfg.Asset,
		"strategy.lst_symbol":    cfg.LSTSymbol,
		"strategy.perp_symbol":   cfg.PerpSymbol,
	} {
		if val == "" {
			return nil, &types.ConfigurationError{Key: key, Reason: "required for basis"}
		}
	}
	return &basisVariant{
		conv:         conv,
		walletVenue:  cfg.WalletVenue,
		spotVenue:    cfg.SpotVenue,
		stakingVenue: cfg.StakingVenue,
		perpVenue:    cfg.PerpVenue,
		asset:        cfg.Asset,
		lstSymbol:    cfg.LSTSymbol,
		perpSymbol:   cfg.PerpSymbol,
		allocation:   decimal.NewFromInt(1),
	}, nil
}

func (v *basisVariant) Name() string { return "basis" }

func (v *basisVariant) walletCash() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentBaseToken, v.conv.ShareClass())
}

func (v *basisVariant) walletAsset() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentBaseToken, v.asset)
}

func (v *basisVariant) walletLST() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentLST, v.lstSymbol)
}

func (v *basisVariant) perpPosition() types.PositionKey {
	return types.NewPositionKey(v.perpVenue, types.InstrumentPerp, v.perpSymbol)
}

func (v *basisVariant) perpCash() types.PositionKey {
	return types.NewPositionKey(v.perpVenue, types.InstrumentBaseToken, v.conv.ShareClass())
}

func (v *basisVariant) EntryFull(d Decision) ([]*types.Order, error) {
	return v.EntryPartial(d, decimal.NewFromInt(1))
}

// EntryPartial deploys a fraction of wallet cash: half becomes perp margin,
// half buys the asset. The buy/stake/short legs form one atomic group.
func (v *basisVariant) EntryPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	cash := d.Positions.Balance(v.walletCash()).Mul(v.allocation).Mul(fraction)
	if cash.LessThan(dustValue) {
		return nil, nil
	}

	assetPrice, err := v.conv.Price(v.asset, d.Timestamp)
	if err != nil {
		return nil, err
	}
	lstPrice, err := v.conv.Price(v.lstSymbol, d.Timestamp)
	if err != nil {
		return nil, err
	}
	perpPrice, err := v.conv.Price(v.perpSymbol, d.Timestamp)
	if err != nil {
		return nil, err
	}
	if assetPrice.IsZero() || lstPrice.IsZero() || perpPrice.IsZero() {
		return nil, &types.ValidationError{Field: "prices", Reason: "zero price for basis legs"}
	}

	half := cash.Div(decimal.NewFromInt(2))
	qty := half.Div(assetPrice)
	lstQty := qty.Mul(assetPrice).Div(lstPrice)

	margin := newOrder(d.Timestamp, "basis:margin", types.OperationTransfer, v.perpVenue)
	margin.Amount = half
	margin.SourceVenue = v.walletVenue
	margin.TargetVenue = v.perpVenue
	margin.SourceToken = v.conv.ShareClass()
	margin.ExpectedDeltas[v.walletCash()] = half.Neg()
	margin.ExpectedDeltas[v.perpCash()] = half

	buy := newOrder(d.Timestamp, "basis:buy", types.OperationSpotTrade, v.spotVenue)
	buy.Amount = qty
	buy.SourceToken = v.conv.ShareClass()
	buy.TargetToken = v.asset
	buy.ExpectedDeltas[v.walletCash()] = half.Neg()
	buy.ExpectedDeltas[v.walletAsset()] = qty

	stake := newOrder(d.Timestamp, "basis:stake", types.OperationStake, v.stakingVenue)
	stake.Amount = qty
	stake.SourceToken = v.asset
	stake.TargetToken = v.lstSymbol
	stake.ExpectedDeltas[v.walletAsset()] = qty.Neg()
	stake.ExpectedDeltas[v.walletLST()] = lstQty

	short := newOrder(d.Timestamp, "basis:short", types.OperationPerpTrade, v.perpVenue)
	short.Amount = qty.Neg()
	short.SourceToken = v.perpSymbol
	short.ExpectedDeltas[v.perpPosition()] = qty.Neg()
	short.ExpectedDeltas[v.perpCash()] = qty.Mul(perpPrice)

	group := []*types.Order{buy, stake, short}
	markAtomic(group)

	// Margin moves first, sequentially; the hedge legs follow atomically.
	return append([]*types.Order{margin}, group...), nil
}

// ExitPartial unwinds a fraction of the hedge: buy back the short, unstake,
// sell the asset, again as one atomic group.
func (v *basisVariant) ExitPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	shortQty := d.Positions.Balance(v.perpPosition()).Neg()
	qty := shortQty.Mul(fraction)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	assetPrice, err := v.conv.Price(v.asset, d.Timestamp)
	if err != nil {
		return nil, err
	}
	lstPrice, err := v.conv.Price(v.lstSymbol, d.Timestamp)
	if err != nil {
		return nil, err
	}
	perpPrice, err := v.conv.Price(v.perpSymbol, d.Timestamp)
	if err != nil {
		return nil, err
	}
	if qty.Mul(assetPrice).LessThan(dustValue) {
		return nil, nil
	}

	lstQty := d.Positions.Balance(v.walletLST()).Mul(fraction)

	cover := newOrder(d.Timestamp, "basis:cover", types.OperationPerpTrade, v.perpVenue)
	cover.Amount = qty
	cover.SourceToken = v.perpSymbol
	cover.ExpectedDeltas[v.perpPosition()] = qty
	cover.ExpectedDeltas[v.perpCash()] = qty.Mul(perpPrice).Neg()

	unstake := newOrder(d.Timestamp, "basis:unstake", types.OperationUnstake, v.stakingVenue)
	unstake.Amount = lstQty
	unstake.SourceToken = v.lstSymbol
	unstake.TargetToken = v.asset
	unstake.ExpectedDeltas[v.walletLST()] = lstQty.Neg()
	unstake.ExpectedDeltas[v.walletAsset()] = lstQty.Mul(lstPrice).Div(assetPrice)

	sellQty := lstQty.Mul(lstPrice).Div(assetPrice)
	sell := newOrder(d.Timestamp, "basis:sell", types.OperationSpotTrade, v.spotVenue)
	sell.Amount = sellQty.Neg()
	sell.SourceToken = v.asset
	sell.TargetToken = v.conv.ShareClass()
	sell.ExpectedDeltas[v.walletAsset()] = sellQty.Neg()
	sell.ExpectedDeltas[v.walletCash()] = sellQty.Mul(assetPrice)

	group := []*types.Order{cover, unstake, sell}
	markAtomic(group)
	return group, nil
}

func (v *basisVariant) ExitFull(d Decision) ([]*types.Order, error) {
	return v.ExitPartial(d, decimal.NewFromInt(1))
}

// Rebalance keeps the hedge matched to the staked holdings: when the LST
// position (in asset terms) and the short diverge, the perp side adjusts.
func (v *basisVariant) Rebalance(d Decision) ([]*types.Order, error) {
	assetPrice, err := v.conv.Price(v.asset, d.Timestamp)
	if err != nil {
		return nil, err
	}
	lstPrice, err := v.conv.Price(v.lstSymbol, d.Timestamp)
	if err != nil {
		return nil, err
	}
	perpPrice, err := v.conv.Price(v.perpSymbol, d.Timestamp)
	if err != nil {
		return nil, err
	}
	if assetPrice.IsZero() {
		return nil, &types.ValidationError{Field: "prices", Reason: "zero asset price"}
	}

	stakedInAsset := d.Positions.Balance(v.walletLST()).Mul(lstPrice).Div(assetPrice)
	shortQty := d.Positions.Balance(v.perpPosition()).Neg()
	gap := stakedInAsset.Sub(shortQty)
	if gap.Abs().Mul(assetPrice).LessThan(dustValue) {
		return nil, nil
	}

	adjust := newOrder(d.Timestamp, "basis:hedge_adjust", types.OperationPerpTrade, v.perpVenue)
	adjust.Amount = gap.Neg()
	adjust.SourceToken = v.perpSymbol
	adjust.ExpectedDeltas[v.perpPosition()] = gap.Neg()
	adjust.ExpectedDeltas[v.perpCash()] = gap.Mul(perpPrice)
	return []*types.Order{adjust}, nil
}
