// Package notify fans execution events out to UI websockets and external
// webhooks.
package notify

import (
	"context"

	"execution-core/internal/events"
)

// Sink receives the event stream. Implementations must not block.
type Sink interface {
	Publish(env events.Envelope)
}

// Dispatcher forwards every bus event to the registered sinks.
type Dispatcher struct {
	bus   *events.Bus
	sinks []Sink
}

func NewDispatcher(bus *events.Bus, sinks ...Sink) *Dispatcher {
	return &Dispatcher{bus: bus, sinks: sinks}
}

// Start consumes the full stream until the context ends.
func (d *Dispatcher) Start(ctx context.Context) {
	stream, unsub := d.bus.SubscribeAll(256)
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
				for _, s := range d.sinks {
					s.Publish(env)
				}
			}
		}
	}()
}
