package events

import "time"

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventSignalAdmitted    Event = "signal.admitted"
	EventSignalDenied      Event = "signal.denied"
	EventOrderSubmitted    Event = "order.submitted"
	EventOrderRejected     Event = "order.rejected"
	EventOrderFilled       Event = "order.filled"
	EventOrderPartial      Event = "order.partial_accepted"
	EventOrderUnderfill    Event = "order.underfill"
	EventPositionClosed    Event = "position.closed"
	EventReconMismatch     Event = "reconciliation.mismatch"
	EventKillSwitchEngaged Event = "kill_switch.engaged"
	EventKillSwitchCleared Event = "kill_switch.cleared"
	EventAlertRaised       Event = "alert.raised"
)

// AdmissionEvent is published for every admit or deny decision.
type AdmissionEvent struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Direction string    `json:"direction"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// OrderEvent describes an order outcome.
type OrderEvent struct {
	PositionID string    `json:"position_id,omitempty"`
	SignalID   string    `json:"signal_id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	Outcome    string    `json:"outcome"`
	FillRatio  float64   `json:"fill_ratio"`
	AvgPrice   float64   `json:"avg_price,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// ReconEvent describes one reconciliation finding.
type ReconEvent struct {
	Severity    string    `json:"severity"`
	Kind        string    `json:"kind"`
	Symbol      string    `json:"symbol,omitempty"`
	PositionID  string    `json:"position_id,omitempty"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// KillSwitchEvent describes a halt engage or clear.
type KillSwitchEvent struct {
	Engaged     bool      `json:"engaged"`
	TriggerKind string    `json:"trigger_kind"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// AlertEvent describes a rolling-metric threshold breach.
type AlertEvent struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	At        time.Time `json:"at"`
}
