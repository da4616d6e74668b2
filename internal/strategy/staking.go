package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// leveragedStakingVariant buys the asset, stakes it, supplies the LST as
// collateral and borrows more of the asset to stake again, targeting a
// configured loan-to-value.
type leveragedStakingVariant struct {
	conv         *convert.Service
	walletVenue  string
	spotVenue    string
	stakingVenue string
	lendingVenue string
	asset        string
	lstSymbol    string
	ltvTarget    decimal.Decimal
	allocation   decimal.Decimal
}

func newLeveragedStakingVariant(conv *convert.Service, cfg types.StrategyConfig) (*leveragedStakingVariant, error) {
	for key, val := range map[string]string{
		"strategy.wallet_venue":  cfg.WalletVenue,
		"strategy.spot_venue":    cfg.SpotVenue,
		"strategy.staking_venue": cfg.StakingVenue,
		"strategy.lending_venue": cfg.LendingVenue,
		"strategy.asset":         cfg.Asset,
		"strategy.lst_symbol":    cfg.LSTSymbol,
	} {
		if val == "" {
			return nil, &types.ConfigurationError{Key: key, Reason: "required for leveraged_staking"}
		}
	}
	ltv, ok := cfg.Parameters["ltv_target"]
	if !ok || ltv <= 0 || ltv >= 1 {
		return nil, &types.ConfigurationError{Key: "strategy.parameters.ltv_target", Reason: "required, in (0, 1)"}
	}
	return &leveragedStakingVariant{
		conv:         conv,
		walletVenue:  cfg.WalletVenue,
		spotVenue:    cfg.SpotVenue,
		stakingVenue: cfg.StakingVenue,
		lendingVenue: cfg.LendingVenue,
		asset:        cfg.Asset,
		lstSymbol:    cfg.LSTSymbol,
		ltvTarget:    decimal.NewFromFloat(ltv),
		allocation:   decimal.NewFromInt(1),
	}, nil
}

func (v *leveragedStakingVariant) Name() string { return "leveraged_staking" }

func (v *leveragedStakingVariant) walletCash() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentBaseToken, v.conv.ShareClass())
}

func (v *leveragedStakingVariant) walletAsset() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentBaseToken, v.asset)
}

func (v *leveragedStakingVariant) walletLST() types.PositionKey {
	return types.NewPositionKey(v.walletVenue, types.InstrumentLST, v.lstSymbol)
}

func (v *leveragedStakingVariant) collateralKey() types.PositionKey {
	return types.NewPositionKey(v.lendingVenue, types.InstrumentAToken, v.lstSymbol)
}

func (v *leveragedStakingVariant) debtKey() types.PositionKey {
	return types.NewPositionKey(v.lendingVenue, types.InstrumentDebtToken, v.asset)
}

func (v *leveragedStakingVariant) prices(d Decision) (assetPrice, lstPrice decimal.Decimal, err error) {
	assetPrice, err = v.conv.Price(v.asset, d.Timestamp)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	lstPrice, err = v.conv.Price(v.lstSymbol, d.Timestamp)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if assetPrice.IsZero() || lstPrice.IsZero() {
		return decimal.Zero, decimal.Zero, &types.ValidationError{Field: "prices", Reason: "zero price for staking legs"}
	}
	return assetPrice, lstPrice, nil
}

func (v *leveragedStakingVariant) EntryFull(d Decision) ([]*types.Order, error) {
	return v.EntryPartial(d, decimal.NewFromInt(1))
}

// EntryPartial runs one leverage loop: buy, stake, supply, borrow, restake.
func (v *leveragedStakingVariant) EntryPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	cash := d.Positions.Balance(v.walletCash()).Mul(v.allocation).Mul(fraction)
	if cash.LessThan(dustValue) {
		return nil, nil
	}
	assetPrice, lstPrice, err := v.prices(d)
	if err != nil {
		return nil, err
	}

	qty := cash.Div(assetPrice)
	lstQty := qty.Mul(assetPrice).Div(lstPrice)
	borrowQty := lstQty.Mul(lstPrice).Mul(v.ltvTarget).Div(assetPrice)
	reLstQty := borrowQty.Mul(assetPrice).Div(lstPrice)

	buy := newOrder(d.Timestamp, "lev_staking:buy", types.OperationSpotTrade, v.spotVenue)
	buy.Amount = qty
	buy.SourceToken = v.conv.ShareClass()
	buy.TargetToken = v.asset
	buy.ExpectedDeltas[v.walletCash()] = cash.Neg()
	buy.ExpectedDeltas[v.walletAsset()] = qty

	stake := newOrder(d.Timestamp, "lev_staking:stake", types.OperationStake, v.stakingVenue)
	stake.Amount = qty
	stake.SourceToken = v.asset
	stake.TargetToken = v.lstSymbol
	stake.ExpectedDeltas[v.walletAsset()] = qty.Neg()
	stake.ExpectedDeltas[v.walletLST()] = lstQty

	supply := newOrder(d.Timestamp, "lev_staking:supply", types.OperationSupply, v.lendingVenue)
	supply.Amount = lstQty
	supply.SourceToken = v.lstSymbol
	supply.ExpectedDeltas[v.walletLST()] = lstQty.Neg()
	supply.ExpectedDeltas[v.collateralKey()] = lstQty

	borrow := newOrder(d.Timestamp, "lev_staking:borrow", types.OperationBorrow, v.lendingVenue)
	borrow.Amount = borrowQty
	borrow.SourceToken = v.asset
	borrow.ExpectedDeltas[v.debtKey()] = borrowQty.Neg()
	borrow.ExpectedDeltas[v.walletAsset()] = borrowQty

	restake := newOrder(d.Timestamp, "lev_staking:restake", types.OperationStake, v.stakingVenue)
	restake.Amount = borrowQty
	restake.SourceToken = v.asset
	restake.TargetToken = v.lstSymbol
	restake.ExpectedDeltas[v.walletAsset()] = borrowQty.Neg()
	restake.ExpectedDeltas[v.walletLST()] = reLstQty

	return []*types.Order{buy, stake, supply, borrow, restake}, nil
}

// ExitPartial unwinds a fraction of the loop in the reverse order: unstake,
// repay, withdraw, unstake, sell.
func (v *leveragedStakingVariant) ExitPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	debt := d.Positions.Balance(v.debtKey()).Abs()
	collateral := d.Positions.Balance(v.collateralKey())
	walletLST := d.Positions.Balance(v.walletLST())
	if collateral.IsZero() && walletLST.IsZero() {
		return nil, nil
	}
	assetPrice, lstPrice, err := v.prices(d)
	if err != nil {
		return nil, err
	}

	var orders []*types.Order
	repayQty := debt.Mul(fraction)
	if repayQty.Mul(assetPrice).GreaterThanOrEqual(dustValue) {
		lstNeeded := repayQty.Mul(assetPrice).Div(lstPrice)

		unstake := newOrder(d.Timestamp, "lev_staking:unstake_for_repay", types.OperationUnstake, v.stakingVenue)
		unstake.Amount = lstNeeded
		unstake.SourceToken = v.lstSymbol
		unstake.TargetToken = v.asset
		unstake.ExpectedDeltas[v.walletLST()] = lstNeeded.Neg()
		unstake.ExpectedDeltas[v.walletAsset()] = repayQty

		repay := newOrder(d.Timestamp, "lev_staking:repay", types.OperationRepay, v.lendingVenue)
		repay.Amount = repayQty
		repay.SourceToken = v.asset
		repay.ExpectedDeltas[v.walletAsset()] = repayQty.Neg()
		repay.ExpectedDeltas[v.debtKey()] = repayQty

		orders = append(orders, unstake, repay)
	}

	withdrawQty := collateral.Mul(fraction)
	if withdrawQty.Mul(lstPrice).GreaterThanOrEqual(dustValue) {
		withdraw := newOrder(d.Timestamp, "lev_staking:withdraw", types.OperationWithdraw, v.lendingVenue)
		withdraw.Amount = withdrawQty
		withdraw.SourceToken = v.lstSymbol
		withdraw.ExpectedDeltas[v.collateralKey()] = withdrawQty.Neg()
		withdraw.ExpectedDeltas[v.walletLST()] = withdrawQty

		sellAsset := withdrawQty.Mul(lstPrice).Div(assetPrice)
		unstake := newOrder(d.Timestamp, "lev_staking:unstake", types.OperationUnstake, v.stakingVenue)
		unstake.Amount = withdrawQty
		unstake.SourceToken = v.lstSymbol
		unstake.TargetToken = v.asset
		unstake.ExpectedDeltas[v.walletLST()] = withdrawQty.Neg()
		unstake.ExpectedDeltas[v.walletAsset()] = sellAsset

		sell := newOrder(d.Timestamp, "lev_staking:sell", types.OperationSpotTrade, v.spotVenue)
		sell.Amount = sellAsset.Neg()
		sell.SourceToken = v.asset
		sell.TargetToken = v.conv.ShareClass()
		sell.ExpectedDeltas[v.walletAsset()] = sellAsset.Neg()
		sell.ExpectedDeltas[v.walletCash()] = sellAsset.Mul(assetPrice)

		orders = append(orders, withdraw, unstake, sell)
	}
	return orders, nil
}

func (v *leveragedStakingVariant) ExitFull(d Decision) ([]*types.Order, error) {
	return v.ExitPartial(d, decimal.NewFromInt(1))
}

func (v *leveragedStakingVariant) Rebalance(d Decision) ([]*types.Order, error) {
	// LTV drift is handled by the risk monitor driving partial exits.
	return nil, nil
}
