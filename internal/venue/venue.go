// Package venue routes orders to the executor for their venue category and
// abstracts backtest simulation vs live adapters behind one capability
// interface.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Adapter is the external venue adapter capability interface. Concrete
// adapters (CEX spot/perp, lending protocols, liquid-staking protocols,
// transfer middleware) live outside this module; the engine depends only on
// this interface.
type Adapter interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, order *types.Order) (*types.ExecutionHandshake, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Executor executes one order against one venue category. Simulated and live
// implementations are interchangeable behind it.
type Executor interface {
	Execute(ctx context.Context, order *types.Order) (*types.ExecutionHandshake, error)
}
