// Package monitor keeps Prometheus counters current by watching the event
// bus.
package monitor

import (
	"context"

	"execution-core/internal/events"
)

// Monitor subscribes to the full event stream and records metrics.
type Monitor struct {
	bus *events.Bus
}

func New(bus *events.Bus) *Monitor {
	return &Monitor{bus: bus}
}

// Start consumes events until the context ends.
func (m *Monitor) Start(ctx context.Context) {
	stream, unsub := m.bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.observe(env)
			}
		}
	}()
}

func (m *Monitor) observe(env events.Envelope) {
	switch env.Event {
	case events.EventSignalAdmitted:
		admissionsTotal.WithLabelValues("admitted").Inc()
	case events.EventSignalDenied:
		admissionsTotal.WithLabelValues("denied").Inc()
		if ev, ok := env.Payload.(events.AdmissionEvent); ok && ev.Reason != "" {
			denialsTotal.WithLabelValues(ev.Reason).Inc()
		}
	case events.EventOrderFilled, events.EventOrderPartial, events.EventOrderUnderfill, events.EventOrderRejected:
		if ev, ok := env.Payload.(events.OrderEvent); ok {
			orderOutcomesTotal.WithLabelValues(ev.Outcome).Inc()
			if env.Event != events.EventOrderRejected {
				fillRatio.Observe(ev.FillRatio)
			}
		}
	case events.EventPositionClosed:
		if ev, ok := env.Payload.(events.OrderEvent); ok {
			positionsClosedTotal.WithLabelValues(ev.Reason).Inc()
		}
	case events.EventReconMismatch:
		if ev, ok := env.Payload.(events.ReconEvent); ok {
			reconMismatchesTotal.WithLabelValues(ev.Severity).Inc()
		}
	case events.EventKillSwitchEngaged:
		killSwitchEngagementsTotal.Inc()
	}
}
