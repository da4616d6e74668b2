// Package execution validates and executes orders, single or as atomic
// groups, and turns venue responses into execution handshakes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/obs"
	"github.com/vectorfund/strategy-engine/internal/venue"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Manager executes orders through the venue router. It never touches the
// position ledger; reconciliation of its handshakes belongs to the position
// update handler.
type Manager struct {
	logger     *zap.Logger
	router     *venue.Manager
	metrics    *obs.Metrics
	maxRetries int
	backoff    time.Duration
}

// NewManager creates an execution manager with the configured retry bounds.
func NewManager(logger *zap.Logger, router *venue.Manager, metrics *obs.Metrics, cfg *types.Config) *Manager {
	return &Manager{
		logger:     logger.Named("execution"),
		router:     router,
		metrics:    metrics,
		maxRetries: cfg.MaxExecutionRetries,
		backoff:    cfg.RetryBackoff(),
	}
}

// ProcessOrders executes the given orders in order. Atomic groups run their
// legs in sequence; a failing leg aborts the rest of its group. The returned
// handshakes cover every input order, one each, in input order.
func (m *Manager) ProcessOrders(ctx context.Context, orders []*types.Order) []*types.ExecutionHandshake {
	handshakes := make([]*types.ExecutionHandshake, 0, len(orders))

	for i := 0; i < len(orders); {
		order := orders[i]
		if order.IsAtomic() {
			group := collectGroup(orders, i)
			handshakes = append(handshakes, m.executeGroup(ctx, group)...)
			i += len(group)
			continue
		}
		handshakes = append(handshakes, m.executeSingle(ctx, order))
		i++
	}

	for _, hs := range handshakes {
		m.metrics.OrderExecuted(string(hs.Status))
	}
	return handshakes
}

// collectGroup gathers the contiguous run of orders sharing the atomic group
// id starting at index i.
func collectGroup(orders []*types.Order, i int) []*types.Order {
	groupID := orders[i].AtomicGroupID
	j := i
	for j < len(orders) && orders[j].IsAtomic() && orders[j].AtomicGroupID == groupID {
		j++
	}
	return orders[i:j]
}

// executeGroup runs atomic legs in sequence_in_group order. When a leg fails
// the remaining legs are marked not-executed and the group is FAILED; no
// compensating trade is issued here, unwinding is the caller's decision.
func (m *Manager) executeGroup(ctx context.Context, group []*types.Order) []*types.ExecutionHandshake {
	for _, leg := range group {
		if err := ValidateOrder(leg); err != nil {
			m.logger.Warn("Atomic group rejected by validation",
				zap.String("groupId", group[0].AtomicGroupID),
				zap.String("orderId", leg.OperationID),
				zap.Error(err),
			)
			return failGroup(group, nil, leg.OperationID, types.ErrCodeValidation, err.Error())
		}
		if !m.router.Supported(leg.Venue) {
			return failGroup(group, nil, leg.OperationID, types.ErrCodeUnsupportedVenue,
				fmt.Sprintf("venue %q not supported", leg.Venue))
		}
	}

	done := make([]*types.ExecutionHandshake, 0, len(group))
	for _, leg := range group {
		hs := m.executeSingle(ctx, leg)
		if hs.Status != types.HandshakeSuccess {
			m.logger.Warn("Atomic leg failed, aborting group",
				zap.String("groupId", leg.AtomicGroupID),
				zap.String("orderId", leg.OperationID),
				zap.Int("sequence", leg.SequenceInGroup),
				zap.String("errorCode", hs.ErrorCode),
			)
			done = append(done, hs)
			return failGroup(group, done, leg.OperationID, hs.ErrorCode, hs.ErrorMessage)
		}
		done = append(done, hs)
	}
	return done
}

// failGroup completes a group's handshake list: executed legs keep their
// results, unexecuted legs get GROUP_ABORTED handshakes with no deltas.
func failGroup(group []*types.Order, done []*types.ExecutionHandshake, failedID, code, msg string) []*types.ExecutionHandshake {
	out := done
	for i := len(done); i < len(group); i++ {
		leg := group[i]
		legCode := types.ErrCodeGroupAborted
		legMsg := fmt.Sprintf("group aborted by order %s: %s", failedID, msg)
		if leg.OperationID == failedID {
			legCode = code
			legMsg = msg
		}
		out = append(out, &types.ExecutionHandshake{
			OrderID:      leg.OperationID,
			Status:       types.HandshakeFailed,
			ErrorCode:    legCode,
			ErrorMessage: legMsg,
			Timestamp:    leg.CreatedAt,
		})
	}
	return out
}

// executeSingle validates then sends one order, retrying transient failures
// with doubling backoff up to the configured bound.
func (m *Manager) executeSingle(ctx context.Context, order *types.Order) *types.ExecutionHandshake {
	if err := ValidateOrder(order); err != nil {
		m.logger.Warn("Order rejected by validation",
			zap.String("orderId", order.OperationID),
			zap.Error(err),
		)
		return failedHandshake(order, types.ErrCodeValidation, err.Error())
	}
	if !m.router.Supported(order.Venue) {
		return failedHandshake(order, types.ErrCodeUnsupportedVenue,
			fmt.Sprintf("venue %q not supported", order.Venue))
	}

	backoff := m.backoff
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		hs, err := m.router.RouteToVenue(ctx, order)
		if err == nil {
			return hs
		}
		lastErr = err

		var execErr *types.ExecutionError
		if !errors.As(err, &execErr) || !execErr.Transient {
			break
		}
		m.metrics.ExecutionRetried()
		m.logger.Warn("Transient execution failure, retrying",
			zap.String("orderId", order.OperationID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return failedHandshake(order, types.ErrCodeTimeout, ctx.Err().Error())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	code := types.ErrCodeNetwork
	var execErr *types.ExecutionError
	if errors.As(lastErr, &execErr) && execErr.Code != "" {
		code = execErr.Code
	}
	return failedHandshake(order, code, lastErr.Error())
}

func failedHandshake(order *types.Order, code, msg string) *types.ExecutionHandshake {
	return &types.ExecutionHandshake{
		OrderID:      order.OperationID,
		Status:       types.HandshakeFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
		Timestamp:    order.CreatedAt,
	}
}

// ValidateOrder checks an order's required fields. Invalid orders fail
// immediately and never reach a venue.
func ValidateOrder(order *types.Order) error {
	if order == nil {
		return &types.ValidationError{Reason: "nil order"}
	}
	if order.OperationID == "" {
		return &types.ValidationError{Field: "operation_id", Reason: "required"}
	}
	if order.Venue == "" {
		return &types.ValidationError{Field: "venue", Reason: "required"}
	}
	if order.Operation == "" {
		return &types.ValidationError{Field: "operation", Reason: "required"}
	}
	if order.Amount.IsZero() {
		return &types.ValidationError{Field: "amount", Reason: "must be non-zero"}
	}
	if len(order.ExpectedDeltas) == 0 {
		return &types.ValidationError{Field: "expected_deltas", Reason: "required, recorded before execution"}
	}
	for key := range order.ExpectedDeltas {
		if _, _, _, err := key.Parse(); err != nil {
			return &types.ValidationError{Field: "expected_deltas", Reason: err.Error()}
		}
	}

	if order.Operation == types.OperationTransfer {
		if order.SourceVenue == "" || order.TargetVenue == "" || order.SourceToken == "" {
			return &types.ValidationError{Field: "transfer", Reason: "requires source_venue, target_venue and token"}
		}
	}

	// Group id and sequence are present together or absent together.
	if (order.AtomicGroupID == "") != (order.SequenceInGroup == 0) {
		return &types.ValidationError{Field: "atomic_group", Reason: "group id and sequence must be set together"}
	}
	if order.ExecutionMode == types.ExecutionModeAtomic && order.AtomicGroupID == "" {
		return &types.ValidationError{Field: "atomic_group", Reason: "atomic orders require group id and sequence"}
	}

	if err := validateExits(order); err != nil {
		return err
	}
	return nil
}

// validateExits checks take-profit/stop-loss against the order's direction:
// long exits bracket below/above, short exits the other way around.
func validateExits(order *types.Order) error {
	hasTP := !order.TakeProfit.IsZero()
	hasSL := !order.StopLoss.IsZero()
	if !hasTP && !hasSL {
		return nil
	}
	if order.Operation != types.OperationSpotTrade && order.Operation != types.OperationPerpTrade {
		return &types.ValidationError{Field: "take_profit/stop_loss", Reason: "only valid on trade operations"}
	}
	if hasTP && order.TakeProfit.LessThanOrEqual(decimal.Zero) {
		return &types.ValidationError{Field: "take_profit", Reason: "must be positive"}
	}
	if hasSL && order.StopLoss.LessThanOrEqual(decimal.Zero) {
		return &types.ValidationError{Field: "stop_loss", Reason: "must be positive"}
	}
	if hasTP && hasSL {
		long := order.Amount.GreaterThan(decimal.Zero)
		if long && order.StopLoss.GreaterThanOrEqual(order.TakeProfit) {
			return &types.ValidationError{Field: "take_profit/stop_loss", Reason: "long requires stop_loss < take_profit"}
		}
		if !long && order.StopLoss.LessThanOrEqual(order.TakeProfit) {
			return &types.ValidationError{Field: "take_profit/stop_loss", Reason: "short requires stop_loss > take_profit"}
		}
	}
	return nil
}
