package risk

import (
	"time"
)

// Deny reasons form a closed audit vocabulary.
const (
	ReasonKillSwitch       = "kill_switch_active"
	ReasonSignalExpired    = "signal_expired"
	ReasonAntiChurn        = "anti_churn"
	ReasonBaseCap          = "base_symbol_cap"
	ReasonConcurrencyCap   = "max_concurrent_positions"
	ReasonRiskBudget       = "risk_budget_exceeded"
	ReasonStateUnavailable = "state_unavailable"
)

// Signal is an externally produced trade proposal. It is immutable inside
// the core.
type Signal struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"` // long | short
	EntryPrice  float64   `json:"entry_price"`
	TakeProfit1 float64   `json:"take_profit_1"`
	TakeProfit2 float64   `json:"take_profit_2"`
	TakeProfit3 float64   `json:"take_profit_3"`
	StopLoss    float64   `json:"stop_loss"`
	RiskR       float64   `json:"risk_r"`
	SizeBase    float64   `json:"size_base"`
	Leverage    int       `json:"leverage,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Limits defines the admission parameters.
type Limits struct {
	MaxConcurrentPositions int           `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MaxTotalRiskR          float64       `json:"max_total_risk_r" yaml:"max_total_risk_r"`
	MaxPositionsPerBase    int           `json:"max_positions_per_base" yaml:"max_positions_per_base"`
	AntiChurnWindow        time.Duration `json:"anti_churn_window" yaml:"anti_churn_window"`
	SignalExpiryGrace      time.Duration `json:"signal_expiry_grace" yaml:"signal_expiry_grace"`
}

// DefaultLimits returns the stock admission parameters.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentPositions: 5,
		MaxTotalRiskR:          3.0,
		MaxPositionsPerBase:    2,
		AntiChurnWindow:        900 * time.Second,
		SignalExpiryGrace:      5 * time.Second,
	}
}

// Decision is the result of one admission evaluation.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// OpenPosition is the slice of position state admission needs.
type OpenPosition struct {
	ID        string
	Symbol    string
	Direction string
	RiskR     float64
}

// PositionView supplies the open-position snapshot evaluation runs against.
type PositionView interface {
	OpenPositions() []OpenPosition
}

// Halt reports whether the trading halt is engaged.
type Halt interface {
	Engaged() bool
}
