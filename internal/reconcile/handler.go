// Package reconcile implements the position update handler, the tight-loop
// conductor: it folds execution results into the authoritative ledger, then
// re-runs exposure, risk and P&L in strict order. Monitors never call each
// other; this handler is the single sequencer.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/internal/exposure"
	"github.com/vectorfund/strategy-engine/internal/obs"
	"github.com/vectorfund/strategy-engine/internal/pnl"
	"github.com/vectorfund/strategy-engine/internal/position"
	"github.com/vectorfund/strategy-engine/internal/risk"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// State is the handler's per-trigger lifecycle.
type State string

const (
	StateAwaitingTrigger State = "AWAITING_TRIGGER"
	StateReconciling     State = "RECONCILING"
	StatePropagating     State = "PROPAGATING"
	StateSettled         State = "SETTLED"
	StateFailed          State = "FAILED"
)

// BalancePoller reads authoritative balances from venues. The venue manager
// satisfies it; the binding happens after construction, before the run loop
// starts.
type BalancePoller interface {
	Balances(ctx context.Context, keys []types.PositionKey) (map[types.PositionKey]decimal.Decimal, error)
}

// Handler owns the tight loop. It is the only writer to the position monitor
// and the single call site of the P&L monitor.
type Handler struct {
	logger    *zap.Logger
	conv      *convert.Service
	positions *position.Monitor
	exposure  *exposure.Monitor
	risk      *risk.Monitor
	pnl       *pnl.Monitor
	metrics   *obs.Metrics

	mode          types.Mode
	tolerance     decimal.Decimal
	subscriptions []types.PositionKey

	poller BalancePoller
	state  State
}

// NewHandler wires the handler over the four monitors. The balance poller is
// bound separately via BindPoller to break the construction cycle with the
// venue manager.
func NewHandler(
	logger *zap.Logger,
	conv *convert.Service,
	positions *position.Monitor,
	exposureMon *exposure.Monitor,
	riskMon *risk.Monitor,
	pnlMon *pnl.Monitor,
	metrics *obs.Metrics,
	cfg *types.Config,
) *Handler {
	subs := make([]types.PositionKey, 0, len(cfg.PositionSubscriptions))
	for _, raw := range cfg.PositionSubscriptions {
		subs = append(subs, types.PositionKey(raw))
	}
	return &Handler{
		logger:        logger.Named("reconcile"),
		conv:          conv,
		positions:     positions,
		exposure:      exposureMon,
		risk:          riskMon,
		pnl:           pnlMon,
		metrics:       metrics,
		mode:          cfg.Mode,
		tolerance:     cfg.Tolerance(),
		subscriptions: subs,
		state:         StateAwaitingTrigger,
	}
}

// BindPoller installs the balance poller. Must be called before the engine's
// run loop starts; live refresh triggers fail without it.
func (h *Handler) BindPoller(p BalancePoller) { h.poller = p }

// State returns the handler's current lifecycle state.
func (h *Handler) State() State { return h.state }

// OnSeed applies the one-time initial-capital deltas and propagates. Seeded
// balances are venue-confirmed by definition.
func (h *Handler) OnSeed(ctx context.Context, ts time.Time, deltas map[types.PositionKey]decimal.Decimal) (*types.TickResult, error) {
	h.state = StateReconciling
	snap, err := h.positions.UpdateState(ts, "initial_capital", deltas, types.ProvenanceConfirmed)
	if err != nil {
		return h.fail(ts, "initial_capital", err)
	}
	return h.propagate(ts, "initial_capital", snap)
}

// OnRefresh polls venues for authoritative balances and reconciles them in,
// bypassing the strategy path. Used by the live periodic refresh trigger.
func (h *Handler) OnRefresh(ctx context.Context, ts time.Time, source string) (*types.TickResult, error) {
	h.state = StateReconciling
	if h.poller == nil {
		return h.fail(ts, source, &types.ValidationError{Field: "poller", Reason: "no balance poller bound"})
	}

	balances, err := h.poller.Balances(ctx, h.subscriptions)
	if err != nil {
		// Single retry of the reconciliation read.
		h.logger.Warn("Balance poll failed, retrying once", zap.Error(err))
		balances, err = h.poller.Balances(ctx, h.subscriptions)
		if err != nil {
			return h.fail(ts, source, fmt.Errorf("balance poll failed twice: %w", err))
		}
	}

	snap, err := h.positions.SetAuthoritative(ts, source, balances)
	if err != nil {
		return h.fail(ts, source, err)
	}
	return h.propagate(ts, source, snap)
}

// OnExecution reconciles one tick's execution results. The position monitor
// is mutated exactly once per call; validation and the unwind decision happen
// before that single mutation, so an aborted tick leaves no trace.
func (h *Handler) OnExecution(ctx context.Context, ts time.Time, orders []*types.Order, handshakes []*types.ExecutionHandshake) (*types.TickResult, error) {
	h.state = StateReconciling

	byID := make(map[string]*types.Order, len(orders))
	for _, o := range orders {
		byID[o.OperationID] = o
	}
	if err := validateHandshakes(byID, handshakes); err != nil {
		h.logger.Error("Malformed execution trigger, tick aborted", zap.Error(err))
		return h.fail(ts, "execution", err)
	}

	// The ledger timestamp never precedes the last fill of the tick.
	effectiveTs := ts
	for _, hs := range handshakes {
		if hs.Timestamp.After(effectiveTs) {
			effectiveTs = hs.Timestamp
		}
	}

	if err := h.checkTolerance(ctx, byID, handshakes, effectiveTs); err != nil {
		return h.fail(ts, "execution", err)
	}

	deltas, err := h.collectDeltas(byID, handshakes)
	if err != nil {
		return h.fail(ts, "execution", err)
	}

	// A backtest's simulated fill is the authoritative outcome; live fills
	// stay provisional until the next venue refresh confirms them.
	prov := types.ProvenanceSimulated
	if h.mode == types.ModeBacktest {
		prov = types.ProvenanceConfirmed
	}
	snap, err := h.positions.UpdateState(effectiveTs, "execution", deltas, prov)
	if err != nil {
		return h.fail(ts, "execution", err)
	}
	return h.propagate(effectiveTs, "execution", snap)
}

// checkTolerance compares actual against expected deltas per successful
// handshake, valued in the share class. In live mode a beyond-tolerance
// divergence triggers one fresh venue read; when deltas re-derived from the
// polled balances agree with expected, they replace the handshake's claim,
// otherwise the divergence escalates. Partial fills are exempt: the venue
// already declared the shortfall and its fills apply as reported.
func (h *Handler) checkTolerance(ctx context.Context, byID map[string]*types.Order, handshakes []*types.ExecutionHandshake, ts time.Time) error {
	for _, hs := range handshakes {
		if hs.Status != types.HandshakeSuccess {
			continue
		}
		order := byID[hs.OrderID]
		divergence, err := h.divergence(order, hs.ActualDeltas, ts)
		if err != nil {
			return err
		}
		if divergence.LessThanOrEqual(h.tolerance) {
			continue
		}

		h.metrics.ReconcileMismatch()
		h.logger.Warn("Reconciliation divergence beyond tolerance, retrying",
			zap.String("orderId", hs.OrderID),
			zap.String("divergence", divergence.String()),
			zap.String("tolerance", h.tolerance.String()),
		)

		// Retry: re-derive the order's fill from a fresh venue read. The
		// re-read either clears the divergence or it stands.
		if h.mode == types.ModeLive && h.poller != nil {
			if fresh, pollErr := h.repollDeltas(ctx, order); pollErr == nil {
				if d2, err2 := h.divergence(order, fresh, ts); err2 == nil && d2.LessThanOrEqual(h.tolerance) {
					h.logger.Info("Venue re-read cleared the divergence",
						zap.String("orderId", hs.OrderID),
					)
					hs.ActualDeltas = fresh
					continue
				}
			}
		}

		return &types.ReconciliationError{
			GroupID:  order.AtomicGroupID,
			Expected: fmt.Sprintf("%v", order.ExpectedDeltas),
			Actual:   fmt.Sprintf("%v", hs.ActualDeltas),
			Reason:   fmt.Sprintf("order %s diverged by %s share-class units", hs.OrderID, divergence.String()),
		}
	}
	return nil
}

// repollDeltas derives an order's fill deltas from freshly polled balances:
// polled balance minus pre-trade ledger balance per expected key. The ledger
// has not been mutated for this trigger yet, so the difference is the venue's
// own account of the fill.
func (h *Handler) repollDeltas(ctx context.Context, order *types.Order) (map[types.PositionKey]decimal.Decimal, error) {
	keys := keysOf(order.ExpectedDeltas)
	balances, err := h.poller.Balances(ctx, keys)
	if err != nil {
		return nil, err
	}
	snap := h.positions.GetSnapshot()
	deltas := make(map[types.PositionKey]decimal.Decimal, len(keys))
	for _, key := range keys {
		deltas[key] = balances[key].Sub(snap.Balance(key))
	}
	return deltas, nil
}

// divergence sums |actual - expected| across an order's keys, in share class.
func (h *Handler) divergence(order *types.Order, actualDeltas map[types.PositionKey]decimal.Decimal, ts time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, expected := range order.ExpectedDeltas {
		actual := actualDeltas[key]
		diff := actual.Sub(expected).Abs()
		if diff.IsZero() {
			continue
		}
		var value decimal.Decimal
		if types.IsFundingKey(key) {
			value = diff
		} else {
			var err error
			value, err = h.conv.ToShareClass(key.Symbol(), diff, ts)
			if err != nil {
				return decimal.Zero, err
			}
		}
		total = total.Add(value.Abs())
	}
	return total, nil
}

// collectDeltas aggregates the deltas to apply for this trigger. Successful
// and partial handshakes contribute their actual deltas; a partial fill is an
// authoritative venue fill and dropping it would drift the ledger until the
// next refresh. An atomic group with a failed or partial leg is treated as
// partially executed and contributes nothing: its fills are unwound by
// exclusion in backtest, and escalate to a system failure in live mode where
// the fills are confirmed real balances.
func (h *Handler) collectDeltas(byID map[string]*types.Order, handshakes []*types.ExecutionHandshake) (map[types.PositionKey]decimal.Decimal, error) {
	filled := make(map[string]bool) // group id -> saw fills
	broken := make(map[string]bool) // group id -> saw a failed or partial leg
	for _, hs := range handshakes {
		order := byID[hs.OrderID]
		if !order.IsAtomic() {
			continue
		}
		switch hs.Status {
		case types.HandshakeSuccess:
			filled[order.AtomicGroupID] = true
		case types.HandshakePartial:
			filled[order.AtomicGroupID] = true
			broken[order.AtomicGroupID] = true
		default:
			broken[order.AtomicGroupID] = true
		}
	}

	for groupID := range broken {
		if !filled[groupID] {
			continue
		}
		if h.mode == types.ModeLive {
			return nil, &types.SystemFailure{
				Tick:   groupID,
				Reason: "atomic group partially executed with confirmed real fills, unwind impossible",
				Err:    fmt.Errorf("group %s", groupID),
			}
		}
		h.metrics.AtomicUnwind()
		h.logger.Warn("Unwinding partially executed atomic group",
			zap.String("groupId", groupID),
		)
	}

	deltas := make(map[types.PositionKey]decimal.Decimal)
	for _, hs := range handshakes {
		if hs.Status == types.HandshakeFailed {
			continue
		}
		order := byID[hs.OrderID]
		if order.IsAtomic() && broken[order.AtomicGroupID] {
			continue // unwound
		}
		for key, delta := range hs.ActualDeltas {
			deltas[key] = deltas[key].Add(delta)
		}
	}
	return deltas, nil
}

// propagate re-runs the downstream monitors in strict order against the
// fresh snapshot: exposure, then risk, then P&L. P&L runs last so execution
// costs are never hidden by pre-execution balances.
func (h *Handler) propagate(ts time.Time, source string, snap *types.PositionSnapshot) (*types.TickResult, error) {
	h.state = StatePropagating

	exp, err := h.exposure.CalculateExposure(snap, ts)
	if err != nil {
		return h.fail(ts, source, fmt.Errorf("exposure: %w", err))
	}
	riskSnap, err := h.risk.AssessRisk(exp, snap, ts)
	if err != nil {
		return h.fail(ts, source, fmt.Errorf("risk: %w", err))
	}
	pnlSnap, err := h.pnl.CalculatePnL(snap, ts)
	if err != nil {
		return h.fail(ts, source, fmt.Errorf("pnl: %w", err))
	}

	h.metrics.RiskLevels(riskSnap.WarningCount, riskSnap.CriticalCount)
	h.metrics.CumulativePnL(pnlSnap.Cumulative.InexactFloat64())

	h.state = StateSettled
	return &types.TickResult{
		Timestamp:     ts,
		TriggerSource: source,
		Status:        types.TickSettled,
		Positions:     snap,
		Exposure:      exp,
		Risk:          riskSnap,
		PnL:           pnlSnap,
	}, nil
}

func (h *Handler) fail(ts time.Time, source string, err error) (*types.TickResult, error) {
	h.state = StateFailed
	return &types.TickResult{
		Timestamp:     ts,
		TriggerSource: source,
		Status:        types.TickFailed,
		Error:         err.Error(),
	}, err
}

// validateHandshakes checks the execution trigger's wire invariants: every
// handshake matches a known order, and a filled handshake's actual delta
// keys are a subset of the triggering order's expected delta keys. Partial
// fills carry real deltas and are held to the same key discipline.
func validateHandshakes(byID map[string]*types.Order, handshakes []*types.ExecutionHandshake) error {
	for _, hs := range handshakes {
		if hs == nil {
			return &types.ValidationError{Field: "handshakes", Reason: "nil handshake"}
		}
		order, ok := byID[hs.OrderID]
		if !ok {
			return &types.ValidationError{Field: "handshakes", Reason: fmt.Sprintf("handshake for unknown order %s", hs.OrderID)}
		}
		if hs.Status == types.HandshakeFailed {
			continue
		}
		for key := range hs.ActualDeltas {
			if _, exists := order.ExpectedDeltas[key]; !exists {
				return &types.ValidationError{
					Field:  "actual_deltas",
					Reason: fmt.Sprintf("order %s: key %s not in expected deltas", hs.OrderID, key),
				}
			}
		}
	}
	return nil
}

func keysOf(m map[types.PositionKey]decimal.Decimal) []types.PositionKey {
	out := make([]types.PositionKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
