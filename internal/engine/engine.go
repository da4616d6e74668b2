// Package engine drives the tight loop for both modes. A backtest replays
// the configured window tick by tick; live mode runs the same code path on
// wall-clock cadence. The two modes differ only in their trigger sources.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/execution"
	"github.com/vectorfund/strategy-engine/internal/obs"
	"github.com/vectorfund/strategy-engine/internal/reconcile"
	"github.com/vectorfund/strategy-engine/internal/strategy"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Recorder persists per-tick results. The engine tolerates a nil recorder.
type Recorder interface {
	Record(result *types.TickResult) error
	Close() error
}

// Progress reports how far a run has advanced.
type Progress struct {
	TicksDone     int             `json:"ticksDone"`
	TicksTotal    int             `json:"ticksTotal"`
	TicksFailed   int             `json:"ticksFailed"`
	LastTimestamp time.Time       `json:"lastTimestamp"`
	CumulativePnL decimal.Decimal `json:"cumulativePnl"`
	Halted        bool            `json:"halted"`
}

// Result summarizes a completed run.
type Result struct {
	Mode           types.Mode              `json:"mode"`
	Variant        string                  `json:"variant"`
	Start          time.Time               `json:"start"`
	End            time.Time               `json:"end"`
	Ticks          int                     `json:"ticks"`
	FailedTicks    int                     `json:"failedTicks"`
	OrdersExecuted int                     `json:"ordersExecuted"`
	OrdersFailed   int                     `json:"ordersFailed"`
	CumulativePnL  decimal.Decimal         `json:"cumulativePnl"`
	MaxDrawdown    decimal.Decimal         `json:"maxDrawdown"`
	FinalExposure  *types.ExposureSnapshot `json:"finalExposure,omitempty"`
	FinalRisk      *types.RiskSnapshot     `json:"finalRisk,omitempty"`
}

// Engine sequences triggers into the reconcile handler. All tick work is
// synchronous; cancellation is observed at tick boundaries only, so a tick
// that has started always settles or fails as a unit.
type Engine struct {
	logger  *zap.Logger
	cfg     *types.Config
	handler *reconcile.Handler
	strat   *strategy.Manager
	exec    *execution.Manager
	metrics *obs.Metrics

	recorder Recorder

	mu           sync.RWMutex
	last         *types.TickResult
	done         int
	failed       int
	ordersOK     int
	ordersFailed int
	peakEquity   decimal.Decimal
	maxDrawdown  decimal.Decimal
	halted       bool
}

func New(
	logger *zap.Logger,
	cfg *types.Config,
	handler *reconcile.Handler,
	strat *strategy.Manager,
	exec *execution.Manager,
	metrics *obs.Metrics,
) *Engine {
	return &Engine{
		logger:  logger.Named("engine"),
		cfg:     cfg,
		handler: handler,
		strat:   strat,
		exec:    exec,
		metrics: metrics,
	}
}

// SetRecorder installs a tick recorder. Must be called before Run.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// Halt triggers the emergency stop: no further orders are generated, but the
// tick in flight finishes reconciliation and the loop keeps marking to market.
func (e *Engine) Halt() {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
	e.logger.Warn("Emergency stop engaged, order generation halted")
}

// Progress returns a snapshot of the run's advancement. Safe for concurrent
// use from the status API.
func (e *Engine) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := Progress{
		TicksDone:   e.done,
		TicksTotal:  e.totalTicks(),
		TicksFailed: e.failed,
		Halted:      e.halted,
	}
	if e.last != nil {
		p.LastTimestamp = e.last.Timestamp
		if e.last.PnL != nil {
			p.CumulativePnL = e.last.PnL.Cumulative
		}
	}
	return p
}

// Last returns the most recent tick result.
func (e *Engine) Last() *types.TickResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Run executes the configured mode until completion or cancellation.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.seed(ctx); err != nil {
		return nil, err
	}
	switch e.cfg.Mode {
	case types.ModeBacktest:
		return e.runBacktest(ctx)
	case types.ModeLive:
		return e.runLive(ctx)
	default:
		return nil, &types.ConfigurationError{Key: "mode", Reason: fmt.Sprintf("unknown mode %q", e.cfg.Mode)}
	}
}

// seed applies the one-time initial capital through the tight loop, so the
// first P&L baseline already reflects it.
func (e *Engine) seed(ctx context.Context) error {
	if len(e.cfg.InitialCapital) == 0 {
		return nil
	}
	deltas := make(map[types.PositionKey]decimal.Decimal, len(e.cfg.InitialCapital))
	for raw, amount := range e.cfg.InitialCapital {
		deltas[types.PositionKey(raw)] = decimal.NewFromFloat(amount)
	}
	ts := e.cfg.Start
	if e.cfg.Mode == types.ModeLive {
		ts = time.Now()
	}
	result, err := e.handler.OnSeed(ctx, ts, deltas)
	if err != nil {
		return fmt.Errorf("seeding initial capital: %w", err)
	}
	e.record(result)
	e.logger.Info("Initial capital seeded",
		zap.Int("positions", len(deltas)),
		zap.Time("timestamp", ts),
	)
	return nil
}

func (e *Engine) runBacktest(ctx context.Context) (*Result, error) {
	e.logger.Info("Backtest starting",
		zap.Time("start", e.cfg.Start),
		zap.Time("end", e.cfg.End),
		zap.Duration("tickInterval", e.cfg.TickInterval),
		zap.String("variant", e.strat.Variant()),
	)

	for ts := e.cfg.Start; !ts.After(e.cfg.End); ts = ts.Add(e.cfg.TickInterval) {
		select {
		case <-ctx.Done():
			e.logger.Info("Backtest cancelled at tick boundary", zap.Time("timestamp", ts))
			return e.summary(), ctx.Err()
		default:
		}
		if err := e.tick(ctx, ts); err != nil {
			return e.summary(), err
		}
	}

	res := e.summary()
	e.logger.Info("Backtest complete",
		zap.Int("ticks", res.Ticks),
		zap.Int("failedTicks", res.FailedTicks),
		zap.String("cumulativePnl", res.CumulativePnL.String()),
	)
	return res, nil
}

func (e *Engine) runLive(ctx context.Context) (*Result, error) {
	e.logger.Info("Live engine starting",
		zap.Duration("tickInterval", e.cfg.TickInterval),
		zap.Duration("refreshInterval", e.cfg.RefreshInterval),
		zap.String("variant", e.strat.Variant()),
	)

	tickTimer := time.NewTicker(e.cfg.TickInterval)
	defer tickTimer.Stop()
	refreshTimer := time.NewTicker(e.cfg.RefreshInterval)
	defer refreshTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Live engine stopping")
			return e.summary(), ctx.Err()
		case now := <-tickTimer.C:
			if err := e.tick(ctx, now); err != nil {
				return e.summary(), err
			}
		case now := <-refreshTimer.C:
			result, err := e.handler.OnRefresh(ctx, now, "refresh")
			e.record(result)
			if err != nil {
				var sysErr *types.SystemFailure
				if errors.As(err, &sysErr) {
					return e.summary(), err
				}
				// Transient refresh failure: the next refresh retries.
				e.logger.Warn("Refresh trigger failed", zap.Error(err))
			}
		}
	}
}

// tick runs one full cycle: generate orders off the last settled snapshots,
// execute, reconcile, propagate. A hard fault aborts the run; anything else
// is recorded and the loop continues.
func (e *Engine) tick(ctx context.Context, ts time.Time) error {
	began := time.Now()

	orders, err := e.generateOrders(ts)
	if err != nil {
		e.logger.Error("Order generation failed, tick skipped", zap.Error(err))
		e.metrics.TickProcessed(string(types.TickFailed), time.Since(began))
		e.noteTick(nil)
		return nil
	}

	handshakes := e.exec.ProcessOrders(ctx, orders)
	e.noteOrders(handshakes)

	result, err := e.handler.OnExecution(ctx, ts, orders, handshakes)
	e.record(result)
	e.metrics.TickProcessed(string(result.Status), time.Since(began))
	e.noteTick(result)

	if err != nil {
		var sysErr *types.SystemFailure
		var recErr *types.ReconciliationError
		if errors.As(err, &sysErr) || errors.As(err, &recErr) {
			e.logger.Error("Hard fault, run aborted",
				zap.Time("timestamp", ts),
				zap.Error(err),
			)
			return err
		}
		e.logger.Error("Tick failed", zap.Time("timestamp", ts), zap.Error(err))
	}
	return nil
}

// generateOrders consults the last settled snapshots. Before the first
// settled tick, or while halted, no orders are produced.
func (e *Engine) generateOrders(ts time.Time) ([]*types.Order, error) {
	e.mu.RLock()
	last, halted := e.last, e.halted
	e.mu.RUnlock()

	if halted || last == nil || last.Status != types.TickSettled {
		return nil, nil
	}
	return e.strat.GenerateOrders(last.Risk, last.Exposure, last.Positions, ts)
}

func (e *Engine) noteOrders(handshakes []*types.ExecutionHandshake) {
	e.mu.Lock()
	for _, hs := range handshakes {
		if hs.Status == types.HandshakeSuccess {
			e.ordersOK++
		} else {
			e.ordersFailed++
		}
	}
	e.mu.Unlock()
}

func (e *Engine) record(result *types.TickResult) {
	if result == nil {
		return
	}
	e.mu.Lock()
	e.last = result
	if result.Exposure != nil {
		equity := result.Exposure.Total
		if equity.GreaterThan(e.peakEquity) {
			e.peakEquity = equity
		} else if e.peakEquity.IsPositive() {
			dd := e.peakEquity.Sub(equity).Div(e.peakEquity)
			if dd.GreaterThan(e.maxDrawdown) {
				e.maxDrawdown = dd
			}
		}
	}
	e.mu.Unlock()
	if e.recorder != nil {
		if err := e.recorder.Record(result); err != nil {
			e.logger.Warn("Tick record failed", zap.Error(err))
		}
	}
}

func (e *Engine) noteTick(result *types.TickResult) {
	e.mu.Lock()
	e.done++
	if result == nil || result.Status != types.TickSettled {
		e.failed++
	}
	e.mu.Unlock()
}

func (e *Engine) summary() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res := &Result{
		Mode:           e.cfg.Mode,
		Variant:        e.strat.Variant(),
		Start:          e.cfg.Start,
		End:            e.cfg.End,
		Ticks:          e.done,
		FailedTicks:    e.failed,
		OrdersExecuted: e.ordersOK,
		OrdersFailed:   e.ordersFailed,
		MaxDrawdown:    e.maxDrawdown,
	}
	if e.last != nil {
		if e.last.PnL != nil {
			res.CumulativePnL = e.last.PnL.Cumulative
		}
		res.FinalExposure = e.last.Exposure
		res.FinalRisk = e.last.Risk
	}
	return res
}

func (e *Engine) totalTicks() int {
	if e.cfg.Mode != types.ModeBacktest || e.cfg.TickInterval <= 0 {
		return 0
	}
	return int(e.cfg.End.Sub(e.cfg.Start)/e.cfg.TickInterval) + 1
}
