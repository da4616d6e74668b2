package venue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vectorfund/strategy-engine/pkg/types"
)

// LiveExecutor delegates to real venue adapters, one per venue name, with a
// per-venue rate limiter guarding the network boundary. This is the only
// place in the execution path where a call may block on I/O.
type LiveExecutor struct {
	logger   *zap.Logger
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
}

// NewLiveExecutor creates a live executor over the given adapters. Venues
// with a configured rate_limit_per_s get a limiter; others are unthrottled.
func NewLiveExecutor(logger *zap.Logger, adapters map[string]Adapter, venues map[string]types.VenueConfig) *LiveExecutor {
	limiters := make(map[string]*rate.Limiter, len(adapters))
	for name, vc := range venues {
		if vc.RateLimitPerS > 0 {
			limiters[name] = rate.NewLimiter(rate.Limit(vc.RateLimitPerS), 1)
		}
	}
	return &LiveExecutor{
		logger:   logger.Named("live"),
		adapters: adapters,
		limiters: limiters,
	}
}

// Execute sends the order to its venue's adapter, honoring the rate limit.
func (e *LiveExecutor) Execute(ctx context.Context, order *types.Order) (*types.ExecutionHandshake, error) {
	adapter, ok := e.adapters[order.Venue]
	if !ok {
		return nil, &types.ExecutionError{
			OrderID: order.OperationID,
			Code:    types.ErrCodeUnsupportedVenue,
			Err:     fmt.Errorf("no adapter for venue %q", order.Venue),
		}
	}

	if limiter, ok := e.limiters[order.Venue]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &types.ExecutionError{
				OrderID:   order.OperationID,
				Code:      types.ErrCodeTimeout,
				Transient: true,
				Err:       err,
			}
		}
	}

	hs, err := adapter.Execute(ctx, order)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Live order executed",
		zap.String("orderId", order.OperationID),
		zap.String("venue", order.Venue),
		zap.String("status", string(hs.Status)),
	)
	return hs, nil
}
