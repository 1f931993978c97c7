package order

import (
	"time"

	"execution-core/internal/risk"
)

// Outcome is the terminal classification of a placement attempt.
type Outcome string

const (
	OutcomeFilled          Outcome = "filled"
	OutcomePartialAccepted Outcome = "partial_accepted"
	OutcomeUnderfill       Outcome = "underfill"
	OutcomeDenied          Outcome = "denied"
	OutcomeRejected        Outcome = "rejected"
)

// PartialFillPolicy decides what happens to fills between the underfill
// floor and the full-fill threshold.
type PartialFillPolicy string

const (
	PolicyAccept PartialFillPolicy = "accept"
	PolicyRetry  PartialFillPolicy = "retry"
)

// Config tunes placement behavior.
type Config struct {
	MinFillRatioToOpen float64           `json:"min_fill_ratio_to_open" yaml:"min_fill_ratio_to_open"`
	FullFillRatio      float64           `json:"full_fill_ratio" yaml:"full_fill_ratio"`
	FillAwaitWindow    time.Duration     `json:"fill_await_window" yaml:"fill_await_window"`
	FillPollInterval   time.Duration     `json:"fill_poll_interval" yaml:"fill_poll_interval"`
	PartialFillPolicy  PartialFillPolicy `json:"partial_fill_policy" yaml:"partial_fill_policy"`
	MaxRetryAttempts   int               `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	MaxFundingRate     float64           `json:"max_funding_rate" yaml:"max_funding_rate"`
}

// DefaultConfig returns the stock placement parameters.
func DefaultConfig() Config {
	return Config{
		MinFillRatioToOpen: 0.5,
		FullFillRatio:      0.95,
		FillAwaitWindow:    3 * time.Second,
		FillPollInterval:   250 * time.Millisecond,
		PartialFillPolicy:  PolicyAccept,
		MaxRetryAttempts:   2,
		MaxFundingRate:     0.001,
	}
}

// Result is returned for every placement, success or not. Outcomes are
// values, never panics, so callers cannot ignore a denial.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	PositionID string        `json:"position_id,omitempty"`
	FillRatio  float64       `json:"fill_ratio"`
	AvgPrice   float64       `json:"avg_price,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Decision   risk.Decision `json:"decision,omitempty"`
}
