// Package types provides configuration types for the strategy engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects historical replay or real-time operation.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// Config is the validated engine configuration. Construction fails fast on
// missing required fields; no silent defaults.
type Config struct {
	Mode       Mode   `mapstructure:"mode" json:"mode"`
	ShareClass string `mapstructure:"share_class" json:"shareClass"`

	// SettlementCurrency is the raw reporting currency for P&L. Optional;
	// empty means the share class itself.
	SettlementCurrency string `mapstructure:"settlement_currency" json:"settlementCurrency,omitempty"`

	TargetAPY   float64 `mapstructure:"target_apy" json:"targetApy"`
	MaxDrawdown float64 `mapstructure:"max_drawdown" json:"maxDrawdown"`

	// Tight-loop bounds. Required, no numeric defaults.
	ReconcileTolerance  float64 `mapstructure:"reconcile_tolerance" json:"reconcileTolerance"`
	MaxExecutionRetries int     `mapstructure:"max_execution_retries" json:"maxExecutionRetries"`
	RetryBackoffMs      int     `mapstructure:"retry_backoff_ms" json:"retryBackoffMs"`

	TickInterval    time.Duration `mapstructure:"tick_interval" json:"tickInterval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" json:"refreshInterval"`

	Start time.Time `mapstructure:"start" json:"start"`
	End   time.Time `mapstructure:"end" json:"end"`

	// InitialCapital seeds the ledger once, keyed by position key.
	InitialCapital map[string]float64 `mapstructure:"initial_capital" json:"initialCapital"`

	// PositionSubscriptions lists the position keys the engine tracks.
	PositionSubscriptions []string `mapstructure:"position_subscriptions" json:"positionSubscriptions"`

	Venues   map[string]VenueConfig `mapstructure:"venues" json:"venues"`
	Risk     RiskConfig             `mapstructure:"risk" json:"risk"`
	Strategy StrategyConfig         `mapstructure:"strategy" json:"strategy"`
	Sim      SimConfig              `mapstructure:"sim" json:"sim"`

	DataDir      string `mapstructure:"data_dir" json:"dataDir"`
	RecordPath   string `mapstructure:"record_path" json:"recordPath"`
	StatusListen string `mapstructure:"status_listen" json:"statusListen"`
}

// VenueConfig carries per-venue limits.
type VenueConfig struct {
	Category       VenueCategory `mapstructure:"category" json:"category"`
	MaxLeverage    float64       `mapstructure:"max_leverage" json:"maxLeverage"`
	MarginWarning  float64       `mapstructure:"margin_warning" json:"marginWarning"`
	MarginCritical float64       `mapstructure:"margin_critical" json:"marginCritical"`
	RateLimitPerS  float64       `mapstructure:"rate_limit_per_s" json:"rateLimitPerS"`
}

// RiskConfig carries risk-classification thresholds.
type RiskConfig struct {
	LTVWarning           float64 `mapstructure:"ltv_warning" json:"ltvWarning"`
	LTVCritical          float64 `mapstructure:"ltv_critical" json:"ltvCritical"`
	LSTDeviationWarning  float64 `mapstructure:"lst_deviation_warning" json:"lstDeviationWarning"`
	LSTDeviationCritical float64 `mapstructure:"lst_deviation_critical" json:"lstDeviationCritical"`
}

// StrategyConfig selects and parameterizes the strategy variant. Venue-role
// fields name which configured venue plays each part; variants validate the
// roles they need at construction.
type StrategyConfig struct {
	Variant    string             `mapstructure:"variant" json:"variant"`
	Parameters map[string]float64 `mapstructure:"parameters" json:"parameters"`

	Asset      string `mapstructure:"asset" json:"asset"`
	LSTSymbol  string `mapstructure:"lst_symbol" json:"lstSymbol"`
	PerpSymbol string `mapstructure:"perp_symbol" json:"perpSymbol"`

	WalletVenue  string `mapstructure:"wallet_venue" json:"walletVenue"`
	SpotVenue    string `mapstructure:"spot_venue" json:"spotVenue"`
	PerpVenue    string `mapstructure:"perp_venue" json:"perpVenue"`
	StakingVenue string `mapstructure:"staking_venue" json:"stakingVenue"`
	LendingVenue string `mapstructure:"lending_venue" json:"lendingVenue"`
}

// SimConfig parameterizes deterministic backtest execution.
type SimConfig struct {
	SlippageBps   float64       `mapstructure:"slippage_bps" json:"slippageBps"`
	CommissionBps float64       `mapstructure:"commission_bps" json:"commissionBps"`
	FillLatency   time.Duration `mapstructure:"fill_latency" json:"fillLatency"`

	// MaxFillNotional caps the share-class notional one trade can fill;
	// larger trades fill partially, pro rata. Zero means unlimited.
	MaxFillNotional float64 `mapstructure:"max_fill_notional" json:"maxFillNotional,omitempty"`
}

// Tolerance returns the reconciliation tolerance as a decimal in share-class units.
func (c *Config) Tolerance() decimal.Decimal {
	return decimal.NewFromFloat(c.ReconcileTolerance)
}

// RetryBackoff returns the base backoff between execution retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// Validate checks every required field and threshold ordering. It returns a
// *ConfigurationError describing the first violation found.
func (c *Config) Validate() error {
	if c.Mode != ModeBacktest && c.Mode != ModeLive {
		return &ConfigurationError{Key: "mode", Reason: "must be \"backtest\" or \"live\""}
	}
	if c.ShareClass == "" {
		return &ConfigurationError{Key: "share_class", Reason: "required"}
	}
	if c.TargetAPY <= 0 {
		return &ConfigurationError{Key: "target_apy", Reason: "required and must be positive"}
	}
	if c.MaxDrawdown <= 0 || c.MaxDrawdown >= 1 {
		return &ConfigurationError{Key: "max_drawdown", Reason: "required, in (0, 1)"}
	}
	if c.ReconcileTolerance <= 0 {
		return &ConfigurationError{Key: "reconcile_tolerance", Reason: "required and must be positive"}
	}
	if c.MaxExecutionRetries <= 0 {
		return &ConfigurationError{Key: "max_execution_retries", Reason: "required and must be positive"}
	}
	if c.RetryBackoffMs <= 0 {
		return &ConfigurationError{Key: "retry_backoff_ms", Reason: "required and must be positive"}
	}
	if len(c.PositionSubscriptions) == 0 {
		return &ConfigurationError{Key: "position_subscriptions", Reason: "at least one subscription required"}
	}
	for _, raw := range c.PositionSubscriptions {
		if _, _, _, err := PositionKey(raw).Parse(); err != nil {
			return &ConfigurationError{Key: "position_subscriptions", Reason: err.Error()}
		}
	}
	if len(c.InitialCapital) == 0 {
		return &ConfigurationError{Key: "initial_capital", Reason: "at least one seeded balance required"}
	}
	for raw := range c.InitialCapital {
		if _, _, _, err := PositionKey(raw).Parse(); err != nil {
			return &ConfigurationError{Key: "initial_capital", Reason: err.Error()}
		}
	}
	if len(c.Venues) == 0 {
		return &ConfigurationError{Key: "venues", Reason: "at least one venue required"}
	}
	for name, vc := range c.Venues {
		switch vc.Category {
		case VenueCategoryCEX, VenueCategoryOnChain, VenueCategoryTransfer:
		default:
			return &ConfigurationError{Key: "venues." + name + ".category", Reason: "must be cex, onchain or transfer"}
		}
		if vc.MaxLeverage < 0 {
			return &ConfigurationError{Key: "venues." + name + ".max_leverage", Reason: "must not be negative"}
		}
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if c.Strategy.Variant == "" {
		return &ConfigurationError{Key: "strategy.variant", Reason: "required"}
	}
	switch c.Mode {
	case ModeBacktest:
		if c.Start.IsZero() || c.End.IsZero() || !c.End.After(c.Start) {
			return &ConfigurationError{Key: "start/end", Reason: "backtest requires start < end"}
		}
		if c.TickInterval <= 0 {
			return &ConfigurationError{Key: "tick_interval", Reason: "required for backtest"}
		}
	case ModeLive:
		if c.TickInterval <= 0 {
			return &ConfigurationError{Key: "tick_interval", Reason: "required for live"}
		}
		if c.RefreshInterval <= 0 {
			return &ConfigurationError{Key: "refresh_interval", Reason: "required for live"}
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.LTVWarning <= 0 || r.LTVCritical <= 0 {
		return &ConfigurationError{Key: "risk.ltv_warning/ltv_critical", Reason: "required and must be positive"}
	}
	if r.LTVWarning >= r.LTVCritical {
		return &ConfigurationError{Key: "risk.ltv_warning", Reason: "must be strictly below ltv_critical"}
	}
	if r.LSTDeviationWarning <= 0 || r.LSTDeviationCritical <= 0 {
		return &ConfigurationError{Key: "risk.lst_deviation_warning/lst_deviation_critical", Reason: "required and must be positive"}
	}
	if r.LSTDeviationWarning >= r.LSTDeviationCritical {
		return &ConfigurationError{Key: "risk.lst_deviation_warning", Reason: "must be strictly below lst_deviation_critical"}
	}
	return nil
}
