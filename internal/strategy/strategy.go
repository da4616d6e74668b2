// Package strategy turns risk, exposure and target parameters into orders.
// Variants are selected once at construction by configuration; business logic
// never dispatches on runtime type inspection.
package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Decision carries the per-tick inputs every variant action receives.
type Decision struct {
	Timestamp time.Time
	Risk      *types.RiskSnapshot
	Exposure  *types.ExposureSnapshot
	Positions *types.PositionSnapshot
}

// Variant is the uniform action set every strategy implements. Each action
// returns a possibly empty ordered list of orders; legs that must not be
// reordered or partially abandoned are marked as one atomic group.
type Variant interface {
	Name() string
	EntryFull(d Decision) ([]*types.Order, error)
	EntryPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error)
	ExitPartial(d Decision, fraction decimal.Decimal) ([]*types.Order, error)
	ExitFull(d Decision) ([]*types.Order, error)
	Rebalance(d Decision) ([]*types.Order, error)
}

// Manager drives the selected variant from the current risk and exposure view.
type Manager struct {
	logger        *zap.Logger
	variant       Variant
	deployTarget  decimal.Decimal
	rebalanceBand decimal.Decimal
}

// NewManager constructs the variant named by cfg.Strategy.Variant. Unknown
// variants and missing required parameters fail construction.
func NewManager(logger *zap.Logger, conv *convert.Service, cfg *types.Config) (*Manager, error) {
	deploy, ok := cfg.Strategy.Parameters["deploy_fraction"]
	if !ok || deploy <= 0 || deploy > 1 {
		return nil, &types.ConfigurationError{Key: "strategy.parameters.deploy_fraction", Reason: "required, in (0, 1]"}
	}
	band, ok := cfg.Strategy.Parameters["rebalance_band"]
	if !ok || band <= 0 {
		return nil, &types.ConfigurationError{Key: "strategy.parameters.rebalance_band", Reason: "required and must be positive"}
	}

	variant, err := buildVariant(logger, conv, cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:        logger.Named("strategy"),
		variant:       variant,
		deployTarget:  decimal.NewFromFloat(deploy),
		rebalanceBand: decimal.NewFromFloat(band),
	}, nil
}

func buildVariant(logger *zap.Logger, conv *convert.Service, cfg *types.Config) (Variant, error) {
	switch cfg.Strategy.Variant {
	case "lending":
		return newLendingVariant(conv, cfg.Strategy)
	case "basis":
		return newBasisVariant(conv, cfg.Strategy)
	case "leveraged_staking":
		return newLeveragedStakingVariant(conv, cfg.Strategy)
	case "market_neutral":
		return newMarketNeutralVariant(conv, cfg.Strategy)
	default:
		return nil, &types.ConfigurationError{
			Key:    "strategy.variant",
			Reason: fmt.Sprintf("unknown variant %q", cfg.Strategy.Variant),
		}
	}
}

// Variant returns the name of the selected variant.
func (m *Manager) Variant() string { return m.variant.Name() }

// GenerateOrders decides which action to take this tick and returns its
// orders. Critical risk always unwinds before anything else.
func (m *Manager) GenerateOrders(risk *types.RiskSnapshot, exposure *types.ExposureSnapshot, positions *types.PositionSnapshot, ts time.Time) ([]*types.Order, error) {
	d := Decision{Timestamp: ts, Risk: risk, Exposure: exposure, Positions: positions}

	if risk.HasCritical() {
		m.logger.Warn("Critical risk, unwinding",
			zap.Int("critical", risk.CriticalCount),
		)
		return m.variant.ExitPartial(d, decimal.NewFromFloat(0.5))
	}

	total := exposure.Total
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	cash := exposure.ByCategory[types.CategoryOther]
	deployed := total.Sub(cash)
	deployedFrac := deployed.Div(total)

	drift := deployedFrac.Sub(m.deployTarget)
	switch {
	case deployed.IsZero() && cash.GreaterThan(decimal.Zero):
		return m.variant.EntryFull(d)
	case drift.Abs().LessThanOrEqual(m.rebalanceBand):
		// Inside the band nothing scales in or out, but hedged variants
		// still keep their legs matched.
		return m.variant.Rebalance(d)
	case drift.IsNegative():
		// Under-deployed: scale in by the shortfall.
		fraction := drift.Abs().Div(m.deployTarget)
		return m.variant.EntryPartial(d, fraction)
	default:
		fraction := drift.Div(deployedFrac)
		return m.variant.ExitPartial(d, fraction)
	}
}

// newOrder stamps the fields shared by every generated order.
func newOrder(ts time.Time, intent string, op types.Operation, venue string) *types.Order {
	return &types.Order{
		OperationID:    uuid.New().String(),
		Venue:          venue,
		Operation:      op,
		ExecutionMode:  types.ExecutionModeSequential,
		ExpectedDeltas: make(map[types.PositionKey]decimal.Decimal),
		StrategyIntent: intent,
		CreatedAt:      ts,
	}
}

// markAtomic stamps a group id and per-leg sequence on a list of orders.
func markAtomic(orders []*types.Order) {
	groupID := uuid.New().String()
	for i, o := range orders {
		o.ExecutionMode = types.ExecutionModeAtomic
		o.AtomicGroupID = groupID
		o.SequenceInGroup = i + 1
	}
}
