// Package obs provides prometheus instrumentation for the engine.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	ticksProcessed *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	orders         *prometheus.CounterVec
	retries        prometheus.Counter
	mismatches     prometheus.Counter
	unwinds        prometheus.Counter
	riskLevels     *prometheus.GaugeVec
	cumulativePnL  prometheus.Gauge
}

// NewMetrics registers the engine collectors on the given registerer. Pass a
// fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategy_engine",
			Name:      "ticks_total",
			Help:      "Ticks processed by terminal status.",
		}, []string{"status"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strategy_engine",
			Name:      "tick_duration_seconds",
			Help:      "Wall time per tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategy_engine",
			Name:      "orders_total",
			Help:      "Orders executed by handshake status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategy_engine",
			Name:      "execution_retries_total",
			Help:      "Transient execution failures that were retried.",
		}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategy_engine",
			Name:      "reconciliation_mismatches_total",
			Help:      "Reconciliations where actual deltas diverged beyond tolerance.",
		}),
		unwinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategy_engine",
			Name:      "atomic_unwinds_total",
			Help:      "Atomic groups whose simulated deltas were unwound.",
		}),
		riskLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strategy_engine",
			Name:      "risk_breaches",
			Help:      "Current count of risk metrics at each non-safe level.",
		}, []string{"level"}),
		cumulativePnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strategy_engine",
			Name:      "cumulative_pnl_share_class",
			Help:      "Running cumulative P&L in share-class units.",
		}),
	}

	reg.MustRegister(
		m.ticksProcessed, m.tickDuration, m.orders, m.retries,
		m.mismatches, m.unwinds, m.riskLevels, m.cumulativePnL,
	)
	return m
}

// TickProcessed records a settled or failed tick.
func (m *Metrics) TickProcessed(status string, elapsed time.Duration) {
	m.ticksProcessed.WithLabelValues(status).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

// OrderExecuted records one handshake by status.
func (m *Metrics) OrderExecuted(status string) {
	m.orders.WithLabelValues(status).Inc()
}

// ExecutionRetried records one transient retry.
func (m *Metrics) ExecutionRetried() { m.retries.Inc() }

// ReconcileMismatch records a beyond-tolerance divergence.
func (m *Metrics) ReconcileMismatch() { m.mismatches.Inc() }

// AtomicUnwind records one unwound atomic group.
func (m *Metrics) AtomicUnwind() { m.unwinds.Inc() }

// RiskLevels publishes the current warning/critical breach counts.
func (m *Metrics) RiskLevels(warning, critical int) {
	m.riskLevels.WithLabelValues("warning").Set(float64(warning))
	m.riskLevels.WithLabelValues("critical").Set(float64(critical))
}

// CumulativePnL publishes the running cumulative P&L.
func (m *Metrics) CumulativePnL(v float64) { m.cumulativePnL.Set(v) }
