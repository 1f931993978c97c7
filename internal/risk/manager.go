package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/kv"
)

// Manager gates every trade proposal through an ordered set of checks.
// Checks short-circuit on first failure, cheapest first. Admission mutates
// only the anti-churn record; denial mutates nothing.
type Manager struct {
	halt      Halt
	churn     *ChurnGuard
	positions PositionView
	bus       *events.Bus

	mu     sync.RWMutex
	limits Limits
}

// NewManager wires the admission gate.
func NewManager(limits Limits, store kv.Store, halt Halt, positions PositionView, bus *events.Bus) *Manager {
	m := &Manager{
		halt:      halt,
		churn:     NewChurnGuard(store, limits.AntiChurnWindow),
		positions: positions,
		bus:       bus,
		limits:    limits,
	}
	log.Printf("[risk] manager initialized: max_concurrent=%d max_total_risk_r=%.1f anti_churn=%s",
		limits.MaxConcurrentPositions, limits.MaxTotalRiskR, limits.AntiChurnWindow)
	return m
}

// GetLimits returns a copy of the current limits.
func (m *Manager) GetLimits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// UpdateLimits swaps the admission parameters at runtime.
func (m *Manager) UpdateLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.churn = NewChurnGuard(m.churn.store, l.AntiChurnWindow)
	m.mu.Unlock()
	log.Printf("[risk] limits updated: max_concurrent=%d max_total_risk_r=%.1f",
		l.MaxConcurrentPositions, l.MaxTotalRiskR)
}

// Evaluate runs the ordered admission checks against the current position
// snapshot. On admission it records the anti-churn timestamp.
func (m *Manager) Evaluate(ctx context.Context, sig Signal) Decision {
	m.mu.RLock()
	limits, churn := m.limits, m.churn
	m.mu.RUnlock()
	dec := m.evaluate(ctx, sig, limits, churn)

	if dec.Allowed {
		if err := churn.Mark(ctx, sig.Symbol, sig.Direction, time.Now()); err != nil {
			// The admission stands; a lost cooldown entry only risks churn.
			log.Printf("[risk] WARN: %v", err)
		}
	} else {
		log.Printf("[risk] denied signal=%s %s %s: %s %s", sig.ID, sig.Symbol, sig.Direction, dec.Reason, dec.Detail)
	}
	m.publish(sig, dec)
	return dec
}

func (m *Manager) evaluate(ctx context.Context, sig Signal, limits Limits, churn *ChurnGuard) Decision {
	if m.halt != nil && m.halt.Engaged() {
		return Decision{Allowed: false, Reason: ReasonKillSwitch}
	}

	if age := time.Since(sig.CreatedAt); age > limits.SignalExpiryGrace {
		return Decision{
			Allowed: false,
			Reason:  ReasonSignalExpired,
			Detail:  fmt.Sprintf("age %s exceeds grace %s", age.Round(time.Millisecond), limits.SignalExpiryGrace),
		}
	}

	blocked, retryAfter, err := churn.Blocked(ctx, sig.Symbol, sig.Direction)
	if err != nil {
		// Store unreachable: fail closed rather than risk churn.
		log.Printf("[risk] WARN: %v", err)
		return Decision{Allowed: false, Reason: ReasonAntiChurn, Detail: "anti-churn store unavailable"}
	}
	if blocked {
		return Decision{
			Allowed:    false,
			Reason:     ReasonAntiChurn,
			Detail:     fmt.Sprintf("cooling down, retry in %s", retryAfter.Round(time.Second)),
			RetryAfter: retryAfter,
		}
	}

	if m.positions == nil {
		return Decision{Allowed: false, Reason: ReasonStateUnavailable}
	}
	open := m.positions.OpenPositions()

	if dec := checkBaseCap(open, sig.Symbol, sig.Direction, limits.MaxPositionsPerBase); !dec.Allowed {
		return dec
	}

	if len(open) >= limits.MaxConcurrentPositions {
		return Decision{
			Allowed: false,
			Reason:  ReasonConcurrencyCap,
			Detail:  fmt.Sprintf("%d open at cap %d", len(open), limits.MaxConcurrentPositions),
		}
	}

	if used := totalRiskR(open); used+sig.RiskR > limits.MaxTotalRiskR {
		return Decision{
			Allowed: false,
			Reason:  ReasonRiskBudget,
			Detail:  fmt.Sprintf("used %.2fR + candidate %.2fR exceeds %.2fR", used, sig.RiskR, limits.MaxTotalRiskR),
		}
	}

	return Decision{Allowed: true}
}

// Release frees the anti-churn entry when a position closes so the pair can
// be re-entered before the window elapses.
func (m *Manager) Release(ctx context.Context, symbol, direction string) {
	m.mu.RLock()
	churn := m.churn
	m.mu.RUnlock()
	if err := churn.Clear(ctx, symbol, direction); err != nil {
		log.Printf("[risk] WARN: %v", err)
	}
}

func (m *Manager) publish(sig Signal, dec Decision) {
	if m.bus == nil {
		return
	}
	topic := events.EventSignalAdmitted
	if !dec.Allowed {
		topic = events.EventSignalDenied
	}
	m.bus.Publish(topic, events.AdmissionEvent{
		SignalID:  sig.ID,
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Allowed:   dec.Allowed,
		Reason:    dec.Reason,
		At:        time.Now().UTC(),
	})
}
