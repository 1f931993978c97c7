package db

import "time"

// Position status values. Transitions are open -> closing -> closed,
// with error and failed_underfill as terminal failure states.
const (
	StatusOpen            = "open"
	StatusClosing         = "closing"
	StatusClosed          = "closed"
	StatusError           = "error"
	StatusFailedUnderfill = "failed_underfill"
)

// Reconciliation severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Position is a tracked perpetual-futures position.
type Position struct {
	ID               string
	SignalID         string
	Symbol           string
	Direction        string
	Status           string
	EntryPrice       float64
	AvgFillPrice     float64
	SizeBase         float64
	ExecutedSizeBase float64
	FillRatio        float64
	RiskR            float64
	TakeProfit1      float64
	TakeProfit2      float64
	TakeProfit3      float64
	StopLoss         float64
	SlippageEntryBps float64
	SlippageExitBps  float64
	Fees             float64
	RealizedPnL      float64
	CloseReason      string
	OpenedAt         time.Time
	ClosedAt         time.Time
	UpdatedAt        time.Time
}

// ReconciliationRecord is one appended mismatch finding.
type ReconciliationRecord struct {
	ID          int64
	Severity    string
	Kind        string
	Symbol      string
	PositionID  string
	Description string
	CreatedAt   time.Time
}

// RejectedOrder is an order the exchange or a pre-check refused.
type RejectedOrder struct {
	ID              int64
	SignalID        string
	Symbol          string
	Direction       string
	Reason          string
	ExchangeCode    int
	ExchangeMessage string
	CreatedAt       time.Time
}

// KillSwitchEvent is one engage or clear of the trading halt.
type KillSwitchEvent struct {
	ID          int64
	Action      string
	TriggerKind string
	Detail      string
	CreatedAt   time.Time
}
