package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// marketNeutralVariant splits capital between pure lending and the hedged
// basis trade, staying delta-neutral overall. It composes the two variants
// rather than re-deriving their legs.
type marketNeutralVariant struct {
	lending *lendingVariant
	basis   *basisVariant
}

func newMarketNeutralVariant(conv *convert.Service, cfg types.StrategyConfig) (*marketNeutralVariant, error) {
	lending, err := newLendingVariant(conv, cfg)
	if err != nil {
		return nil, err
	}
	basis, err := newBasisVariant(conv, cfg)
	if err != nil {
		return nil, err
	}

	split, ok := cfg.Parameters["lending_split"]
	if !ok || split <= 0 || split >= 1 {
		return nil, &types.ConfigurationError{Key: "strategy.parameters.lending_split", Reason: "required, in (0, 1)"}
	}
	lending.allocation = decimal.NewFromFloat(split)
	basis.allocation = decimal.NewFromInt(1).Sub(lending.allocation)

	return &marketNeutralVariant{lending: lending, basis: basis}, nil
}

func (v *marketNeutralVariant) Name() string { return "market_neutral" }

func (v *marketNeutralVariant) EntryFull(d Decision) ([]*types.Order, error) {
	return v.combine(d, func(sub Variant) ([]*types.Order, error) { return sub.EntryFull(d) })
}

func (v *marketNeutralVariant) EntryPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	return v.combine(d, func(sub Variant) ([]*types.Order, error) { return sub.EntryPartial(d, fraction) })
}

func (v *marketNeutralVariant) ExitPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error) {
	return v.combine(d, func(sub Variant) ([]*types.Order, error) { return sub.ExitPartial(d, fraction) })
}

func (v *marketNeutralVariant) ExitFull(d Decision) ([]*types.Order, error) {
	return v.combine(d, func(sub Variant) ([]*types.Order, error) { return sub.ExitFull(d) })
}

func (v *marketNeutralVariant) Rebalance(d Decision) ([]*types.Order, error) {
	return v.combine(d, func(sub Variant) ([]*types.Order, error) { return sub.Rebalance(d) })
}

// combine runs an action on both sub-variants, lending legs first so cash
// commitments are deterministic.
func (v *marketNeutralVariant) combine(d Decision, action func(Variant) ([]*types.Order, error)) ([]*types.Order, error) {
	lendingOrders, err := action(v.lending)
	if err != nil {
		return nil, err
	}
	basisOrders, err := action(v.basis)
	if err != nil {
		return nil, err
	}
	return append(lendingOrders, basisOrders...), nil
}
