// Package types provides shared type definitions for the strategy engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VenueCategory classifies a venue by how orders reach it.
type VenueCategory string

const (
	VenueCategoryCEX      VenueCategory = "cex"
	VenueCategoryOnChain  VenueCategory = "onchain"
	VenueCategoryTransfer VenueCategory = "transfer"
)

// Operation represents the kind of venue action an order requests.
type Operation string

const (
	OperationSupply    Operation = "SUPPLY"
	OperationWithdraw  Operation = "WITHDRAW"
	OperationBorrow    Operation = "BORROW"
	OperationRepay     Operation = "REPAY"
	OperationSpotTrade Operation = "SPOT_TRADE"
	OperationPerpTrade Operation = "PERP_TRADE"
	OperationTransfer  Operation = "TRANSFER"
	OperationStake     Operation = "STAKE"
	OperationUnstake   Operation = "UNSTAKE"
)

// ExecutionMode controls how a group of orders is executed.
type ExecutionMode string

const (
	ExecutionModeAtomic     ExecutionMode = "atomic"
	ExecutionModeSequential ExecutionMode = "sequential"
)

// HandshakeStatus is the outcome of sending one order to a venue.
type HandshakeStatus string

const (
	HandshakeSuccess HandshakeStatus = "SUCCESS"
	HandshakeFailed  HandshakeStatus = "FAILED"
	HandshakePartial HandshakeStatus = "PARTIAL"
)

// InstrumentType classifies what a position key holds.
type InstrumentType string

const (
	InstrumentBaseToken InstrumentType = "BaseToken"
	InstrumentAToken    InstrumentType = "aToken"
	InstrumentDebtToken InstrumentType = "debtToken"
	InstrumentLST       InstrumentType = "LST"
	InstrumentPerp      InstrumentType = "Perp"
)

// InstrumentClass is the aggregation rollup of an instrument type.
type InstrumentClass string

const (
	ClassAsset      InstrumentClass = "asset"
	ClassDebt       InstrumentClass = "debt"
	ClassDerivative InstrumentClass = "derivative"
)

// Class returns the aggregation class for an instrument type.
func (it InstrumentType) Class() InstrumentClass {
	switch it {
	case InstrumentDebtToken:
		return ClassDebt
	case InstrumentPerp:
		return ClassDerivative
	default:
		return ClassAsset
	}
}

// AttributionCategory buckets positions for exposure and P&L attribution.
type AttributionCategory string

const (
	CategoryLending AttributionCategory = "lending"
	CategoryStaking AttributionCategory = "staking"
	CategoryBasis   AttributionCategory = "basis"
	CategoryFunding AttributionCategory = "funding"
	CategoryDelta   AttributionCategory = "delta"
	CategoryOther   AttributionCategory = "other"
)

// AttributionCategories lists every bucket in reporting order.
var AttributionCategories = []AttributionCategory{
	CategoryLending, CategoryStaking, CategoryBasis, CategoryFunding, CategoryDelta, CategoryOther,
}

// PositionKey identifies a balance as "venue:instrument_type:symbol".
type PositionKey string

// NewPositionKey builds a key from its parts.
func NewPositionKey(venue string, instrument InstrumentType, symbol string) PositionKey {
	return PositionKey(fmt.Sprintf("%s:%s:%s", venue, instrument, symbol))
}

// Parse splits the key into venue, instrument type and symbol.
func (k PositionKey) Parse() (venue string, instrument InstrumentType, symbol string, err error) {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed position key %q", string(k))
	}
	return parts[0], InstrumentType(parts[1]), parts[2], nil
}

// Venue returns the venue portion of the key, or "" if malformed.
func (k PositionKey) Venue() string {
	v, _, _, err := k.Parse()
	if err != nil {
		return ""
	}
	return v
}

// Instrument returns the instrument type portion of the key.
func (k PositionKey) Instrument() InstrumentType {
	_, it, _, err := k.Parse()
	if err != nil {
		return ""
	}
	return it
}

// Symbol returns the symbol portion of the key.
func (k PositionKey) Symbol() string {
	_, _, s, err := k.Parse()
	if err != nil {
		return ""
	}
	return s
}

// Order is an intended venue action. Once validated it is treated as immutable.
type Order struct {
	OperationID     string                          `json:"operationId"`
	Venue           string                          `json:"venue"`
	Operation       Operation                       `json:"operation"`
	Amount          decimal.Decimal                 `json:"amount"`
	SourceVenue     string                          `json:"sourceVenue,omitempty"`
	TargetVenue     string                          `json:"targetVenue,omitempty"`
	SourceToken     string                          `json:"sourceToken,omitempty"`
	TargetToken     string                          `json:"targetToken,omitempty"`
	ExpectedDeltas  map[PositionKey]decimal.Decimal `json:"expectedDeltas"`
	ExecutionMode   ExecutionMode                   `json:"executionMode"`
	AtomicGroupID   string                          `json:"atomicGroupId,omitempty"`
	// SequenceInGroup is the 1-based leg position within the atomic group;
	// zero for orders outside any group.
	SequenceInGroup int             `json:"sequenceInGroup,omitempty"`
	TakeProfit      decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss        decimal.Decimal `json:"stopLoss,omitempty"`
	StrategyIntent  string          `json:"strategyIntent,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// IsAtomic reports whether the order belongs to an atomic group.
func (o *Order) IsAtomic() bool {
	return o.ExecutionMode == ExecutionModeAtomic && o.AtomicGroupID != ""
}

// ExecutionHandshake is the result of sending one order to a venue.
type ExecutionHandshake struct {
	OrderID      string                          `json:"orderId"`
	Status       HandshakeStatus                 `json:"status"`
	ActualDeltas map[PositionKey]decimal.Decimal `json:"actualDeltas"`
	ErrorCode    string                          `json:"errorCode,omitempty"`
	ErrorMessage string                          `json:"errorMessage,omitempty"`
	Timestamp    time.Time                       `json:"timestamp"`
}

// PositionProvenance marks whether a balance is provisional local bookkeeping
// or confirmed by the venue.
type PositionProvenance string

const (
	ProvenanceSimulated PositionProvenance = "simulated"
	ProvenanceConfirmed PositionProvenance = "confirmed"
)

// PositionSnapshot is an immutable view of the balance ledger at one timestamp.
type PositionSnapshot struct {
	Timestamp     time.Time                          `json:"timestamp"`
	TriggerSource string                             `json:"triggerSource"`
	Balances      map[PositionKey]decimal.Decimal    `json:"balances"`
	Provenance    map[PositionKey]PositionProvenance `json:"provenance"`
}

// Balance returns the balance for a key, zero if absent.
func (s *PositionSnapshot) Balance(key PositionKey) decimal.Decimal {
	if b, ok := s.Balances[key]; ok {
		return b
	}
	return decimal.Zero
}

// Clone returns a deep copy of the snapshot.
func (s *PositionSnapshot) Clone() *PositionSnapshot {
	out := &PositionSnapshot{
		Timestamp:     s.Timestamp,
		TriggerSource: s.TriggerSource,
		Balances:      make(map[PositionKey]decimal.Decimal, len(s.Balances)),
		Provenance:    make(map[PositionKey]PositionProvenance, len(s.Provenance)),
	}
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	for k, v := range s.Provenance {
		out.Provenance[k] = v
	}
	return out
}

// ExposureSnapshot is the aggregate exposure derived from one position snapshot.
type ExposureSnapshot struct {
	Timestamp  time.Time                               `json:"timestamp"`
	ShareClass string                                  `json:"shareClass"`
	Total      decimal.Decimal                         `json:"total"`
	ByAsset    map[string]decimal.Decimal              `json:"byAsset"`
	ByCategory map[AttributionCategory]decimal.Decimal `json:"byCategory"`
	ByClass    map[InstrumentClass]decimal.Decimal     `json:"byClass"`
	NetDelta   decimal.Decimal                         `json:"netDelta"`
}

// RiskLevel classifies a risk metric against its thresholds.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskWarning  RiskLevel = "warning"
	RiskCritical RiskLevel = "critical"
)

// RiskMetric is one named risk measurement.
type RiskMetric struct {
	Name     string          `json:"name"`
	Venue    string          `json:"venue,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Warning  decimal.Decimal `json:"warning"`
	Critical decimal.Decimal `json:"critical"`
	Level    RiskLevel       `json:"level"`
	Detail   string          `json:"detail,omitempty"`
}

// RiskSnapshot is the composite risk view for one tick.
type RiskSnapshot struct {
	Timestamp     time.Time    `json:"timestamp"`
	Metrics       []RiskMetric `json:"metrics"`
	WarningCount  int          `json:"warningCount"`
	CriticalCount int          `json:"criticalCount"`
}

// HasCritical reports whether any metric breached its critical threshold.
func (r *RiskSnapshot) HasCritical() bool { return r.CriticalCount > 0 }

// PnLSnapshot is the profit-and-loss view for one tick.
type PnLSnapshot struct {
	Timestamp       time.Time                               `json:"timestamp"`
	TotalRaw        decimal.Decimal                         `json:"totalRaw"`
	TotalShareClass decimal.Decimal                         `json:"totalShareClass"`
	Change          decimal.Decimal                         `json:"change"`
	Cumulative      decimal.Decimal                         `json:"cumulative"`
	Attribution     map[AttributionCategory]decimal.Decimal `json:"attribution"`
}

// TickStatus is the terminal state of one tight-loop cycle.
type TickStatus string

const (
	TickSettled TickStatus = "SETTLED"
	TickFailed  TickStatus = "FAILED"
)

// TickResult bundles the snapshots produced by one tight-loop cycle.
type TickResult struct {
	Timestamp     time.Time         `json:"timestamp"`
	TriggerSource string            `json:"triggerSource"`
	Status        TickStatus        `json:"status"`
	Positions     *PositionSnapshot `json:"positions"`
	Exposure      *ExposureSnapshot `json:"exposure"`
	Risk          *RiskSnapshot     `json:"risk"`
	PnL           *PnLSnapshot      `json:"pnl"`
	Error         string            `json:"error,omitempty"`
}
