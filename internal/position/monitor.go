// Package position implements the authoritative balance ledger. The monitor
// is exclusively mutated by the position update handler; every other
// component only ever sees snapshot copies.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Monitor owns the mapping from position key to signed balance. Deltas are
// applied additively; no deduplication by content is performed, so callers
// must not resubmit the same handshake twice.
type Monitor struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	balances   map[types.PositionKey]decimal.Decimal
	provenance map[types.PositionKey]types.PositionProvenance
	lastUpdate time.Time
	lastSource string
}

// NewMonitor creates a ledger tracking the subscribed keys at zero balance.
func NewMonitor(logger *zap.Logger, subscriptions []types.PositionKey) *Monitor {
	balances := make(map[types.PositionKey]decimal.Decimal, len(subscriptions))
	provenance := make(map[types.PositionKey]types.PositionProvenance, len(subscriptions))
	for _, key := range subscriptions {
		balances[key] = decimal.Zero
		provenance[key] = types.ProvenanceConfirmed
	}
	return &Monitor{
		logger:     logger.Named("position"),
		balances:   balances,
		provenance: provenance,
	}
}

// GetSnapshot returns a copy of the current ledger. No side effects.
func (m *Monitor) GetSnapshot() *types.PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// UpdateState applies the supplied signed deltas additively and returns the
// new snapshot. This is the only mutation entrypoint for execution results;
// provenance marks whether the deltas are provisional (simulated) or venue
// confirmed.
func (m *Monitor) UpdateState(ts time.Time, triggerSource string, deltas map[types.PositionKey]decimal.Decimal, prov types.PositionProvenance) (*types.PositionSnapshot, error) {
	for key := range deltas {
		if _, _, _, err := key.Parse(); err != nil {
			return nil, &types.ValidationError{Field: "deltas", Reason: err.Error()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, delta := range deltas {
		m.balances[key] = m.balances[key].Add(delta)
		m.provenance[key] = prov
	}
	m.lastUpdate = ts
	m.lastSource = triggerSource

	m.logger.Debug("Applied position deltas",
		zap.Time("ts", ts),
		zap.String("trigger", triggerSource),
		zap.String("provenance", string(prov)),
		zap.Int("keys", len(deltas)),
	)
	return m.snapshotLocked(), nil
}

// SetAuthoritative overwrites balances with venue-reported values. Confirmed
// balances supersede simulated ones for the same keys; untouched keys keep
// their current value.
func (m *Monitor) SetAuthoritative(ts time.Time, triggerSource string, balances map[types.PositionKey]decimal.Decimal) (*types.PositionSnapshot, error) {
	for key := range balances {
		if _, _, _, err := key.Parse(); err != nil {
			return nil, &types.ValidationError{Field: "balances", Reason: err.Error()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, balance := range balances {
		m.balances[key] = balance
		m.provenance[key] = types.ProvenanceConfirmed
	}
	m.lastUpdate = ts
	m.lastSource = triggerSource

	m.logger.Debug("Reconciled authoritative balances",
		zap.Time("ts", ts),
		zap.String("trigger", triggerSource),
		zap.Int("keys", len(balances)),
	)
	return m.snapshotLocked(), nil
}

// Provenance reports whether a key's balance is simulated or confirmed.
// Unknown keys read as confirmed (zero balance, never touched).
func (m *Monitor) Provenance(key types.PositionKey) types.PositionProvenance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.provenance[key]; ok {
		return p
	}
	return types.ProvenanceConfirmed
}

func (m *Monitor) snapshotLocked() *types.PositionSnapshot {
	snap := &types.PositionSnapshot{
		Timestamp:     m.lastUpdate,
		TriggerSource: m.lastSource,
		Balances:      make(map[types.PositionKey]decimal.Decimal, len(m.balances)),
		Provenance:    make(map[types.PositionKey]types.PositionProvenance, len(m.provenance)),
	}
	for k, v := range m.balances {
		snap.Balances[k] = v
	}
	for k, v := range m.provenance {
		snap.Provenance[k] = v
	}
	return snap
}
