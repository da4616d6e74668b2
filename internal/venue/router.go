package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Manager is a thin dispatcher: it routes an order to the executor registered
// for its venue's category. It carries no execution logic of its own.
type Manager struct {
	logger    *zap.Logger
	venues    map[string]types.VenueConfig
	executors map[types.VenueCategory]Executor
	adapters  map[string]Adapter
}

// NewManager creates a router over the configured venues. One executor per
// category must be registered before routing.
func NewManager(logger *zap.Logger, venues map[string]types.VenueConfig) *Manager {
	return &Manager{
		logger:    logger.Named("venue"),
		venues:    venues,
		executors: make(map[types.VenueCategory]Executor),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterExecutor binds an executor to a venue category.
func (m *Manager) RegisterExecutor(category types.VenueCategory, executor Executor) {
	m.executors[category] = executor
}

// RegisterAdapter binds a live adapter to a venue name, used for balance and
// funding queries.
func (m *Manager) RegisterAdapter(venue string, adapter Adapter) {
	m.adapters[venue] = adapter
}

// Supported reports whether orders can be routed to the named venue.
func (m *Manager) Supported(venue string) bool {
	vc, ok := m.venues[venue]
	if !ok {
		return false
	}
	_, ok = m.executors[vc.Category]
	return ok
}

// RouteToVenue dispatches the order to its category executor.
func (m *Manager) RouteToVenue(ctx context.Context, order *types.Order) (*types.ExecutionHandshake, error) {
	vc, ok := m.venues[order.Venue]
	if !ok {
		return nil, &types.ExecutionError{
			OrderID: order.OperationID,
			Code:    types.ErrCodeUnsupportedVenue,
			Err:     fmt.Errorf("venue %q not configured", order.Venue),
		}
	}
	executor, ok := m.executors[vc.Category]
	if !ok {
		return nil, &types.ExecutionError{
			OrderID: order.OperationID,
			Code:    types.ErrCodeUnsupportedVenue,
			Err:     fmt.Errorf("no executor for category %q", vc.Category),
		}
	}

	m.logger.Debug("Routing order",
		zap.String("orderId", order.OperationID),
		zap.String("venue", order.Venue),
		zap.String("category", string(vc.Category)),
		zap.String("operation", string(order.Operation)),
	)
	return executor.Execute(ctx, order)
}

// Balances polls the live adapters for authoritative balances of the given
// keys. Only available when adapters are registered (live mode).
func (m *Manager) Balances(ctx context.Context, keys []types.PositionKey) (map[types.PositionKey]decimal.Decimal, error) {
	if len(m.adapters) == 0 {
		return nil, fmt.Errorf("no live adapters registered")
	}

	out := make(map[types.PositionKey]decimal.Decimal, len(keys))
	for _, key := range keys {
		venue, _, symbol, err := key.Parse()
		if err != nil {
			return nil, &types.ValidationError{Field: "keys", Reason: err.Error()}
		}
		adapter, ok := m.adapters[venue]
		if !ok {
			return nil, fmt.Errorf("no adapter for venue %q", venue)
		}
		balance, err := adapter.GetBalance(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("balance poll %s: %w", key, err)
		}
		out[key] = balance
	}
	return out, nil
}
