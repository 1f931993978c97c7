// Package alert owns the trading halt and the threshold-driven escalation
// path that engages it.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/kv"
	"execution-core/pkg/lock"
)

const (
	killSwitchKey  = "kill_switch"
	killSwitchLock = "kill_switch_engage"
	engageLockTTL  = 10 * time.Second
)

// Engagement trigger kinds.
const (
	TriggerReconciliation = "reconciliation_critical"
	TriggerMetrics        = "metric_threshold"
	TriggerManual         = "manual"
)

// Status describes the halt state for operators.
type Status struct {
	Engaged     bool      `json:"engaged"`
	TriggerKind string    `json:"trigger_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Since       time.Time `json:"since,omitempty"`
}

// KillSwitch is the global trading halt. The flag lives in the shared
// key-value store so every instance observes the same state; engagement is
// serialized through a lock so one incident trips the switch exactly once.
type KillSwitch struct {
	store   kv.Store
	locks   *lock.Manager
	queries *db.Queries
	bus     *events.Bus
}

// NewKillSwitch wires the halt over the shared store.
func NewKillSwitch(store kv.Store, locks *lock.Manager, queries *db.Queries, bus *events.Bus) *KillSwitch {
	return &KillSwitch{store: store, locks: locks, queries: queries, bus: bus}
}

// Engaged reports whether the halt is active. Store failures report engaged:
// admission fails closed when the flag cannot be read.
func (k *KillSwitch) Engaged() bool {
	_, err := k.store.Get(context.Background(), killSwitchKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Printf("[alert] WARN: kill switch flag unreadable, failing closed: %v", err)
	}
	return true
}

// Status returns the current halt state.
func (k *KillSwitch) Status() Status {
	val, err := k.store.Get(context.Background(), killSwitchKey)
	if errors.Is(err, kv.ErrNotFound) {
		return Status{}
	}
	if err != nil {
		return Status{Engaged: true, Detail: "flag unreadable: " + err.Error()}
	}
	st := Status{Engaged: true}
	if jsonErr := json.Unmarshal([]byte(val), &st); jsonErr != nil {
		st = Status{Engaged: true, Detail: val}
	}
	st.Engaged = true
	return st
}

// Engage trips the halt. Returns true when this call performed the
// transition, false when the switch was already tripped or another instance
// is engaging it right now.
func (k *KillSwitch) Engage(ctx context.Context, triggerKind, detail string) (bool, error) {
	l, err := k.locks.Acquire(ctx, killSwitchLock, engageLockTTL)
	if err != nil {
		return false, err
	}
	if l == nil {
		// Another instance is engaging for the same incident.
		return false, nil
	}
	defer func() {
		if relErr := k.locks.Release(ctx, l); relErr != nil {
			log.Printf("[alert] WARN: release engage lock: %v", relErr)
		}
	}()

	if k.Engaged() {
		return false, nil
	}

	payload, _ := json.Marshal(Status{
		Engaged:     true,
		TriggerKind: triggerKind,
		Detail:      detail,
		Since:       time.Now().UTC(),
	})
	if err := k.store.Set(ctx, killSwitchKey, string(payload), 0); err != nil {
		return false, err
	}

	log.Printf("[alert] KILL SWITCH ENGAGED trigger=%s detail=%s", triggerKind, detail)
	if k.queries != nil {
		if dbErr := k.queries.AppendKillSwitchEvent(ctx, db.KillSwitchEvent{
			Action:      "engage",
			TriggerKind: triggerKind,
			Detail:      detail,
		}); dbErr != nil {
			log.Printf("[alert] WARN: record engage: %v", dbErr)
		}
	}
	if k.bus != nil {
		k.bus.Publish(events.EventKillSwitchEngaged, events.KillSwitchEvent{
			Engaged:     true,
			TriggerKind: triggerKind,
			Detail:      detail,
			At:          time.Now().UTC(),
		})
	}
	return true, nil
}

// Clear lifts the halt. This is operator-gated: only an explicit command
// reaches here, never an automatic path. A positive rearmAfter makes the
// clear time-boxed: the switch re-engages on its own once the window ends,
// so an operator can trial recovery without leaving the system unguarded.
func (k *KillSwitch) Clear(ctx context.Context, operator string, rearmAfter time.Duration) error {
	if err := k.store.Delete(ctx, killSwitchKey); err != nil {
		return err
	}
	if rearmAfter > 0 {
		time.AfterFunc(rearmAfter, func() {
			engaged, err := k.Engage(context.Background(), TriggerManual,
				"time-boxed clear by "+operator+" expired")
			if err != nil {
				log.Printf("[alert] WARN: re-engage after time-boxed clear: %v", err)
			} else if engaged {
				log.Printf("[alert] time-boxed clear by %s expired, halt re-engaged", operator)
			}
		})
	}
	log.Printf("[alert] kill switch cleared by %s", operator)
	if k.queries != nil {
		if err := k.queries.AppendKillSwitchEvent(ctx, db.KillSwitchEvent{
			Action:      "clear",
			TriggerKind: TriggerManual,
			Detail:      "cleared by " + operator,
		}); err != nil {
			log.Printf("[alert] WARN: record clear: %v", err)
		}
	}
	if k.bus != nil {
		k.bus.Publish(events.EventKillSwitchCleared, events.KillSwitchEvent{
			Engaged:     false,
			TriggerKind: TriggerManual,
			Detail:      "cleared by " + operator,
			At:          time.Now().UTC(),
		})
	}
	return nil
}
