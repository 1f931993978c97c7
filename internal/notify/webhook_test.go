package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
)

func TestWebhookDeliversSelectedTopics(t *testing.T) {
	var mu sync.Mutex
	var received []events.Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env events.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, events.EventKillSwitchEngaged)
	defer wh.Close()

	wh.Publish(events.Envelope{Event: events.EventOrderFilled, Payload: map[string]any{"x": 1}})
	wh.Publish(events.Envelope{Event: events.EventKillSwitchEngaged, Payload: map[string]any{"engaged": true}})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].Event == events.EventKillSwitchEngaged
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcherForwardsToSinks(t *testing.T) {
	bus := events.NewBus()

	var mu sync.Mutex
	var got []events.Envelope
	sink := sinkFunc(func(env events.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	d := NewDispatcher(bus, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	bus.Publish(events.EventAlertRaised, events.AlertEvent{Metric: "win_rate"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Event == events.EventAlertRaised
	}, time.Second, 10*time.Millisecond)
}

type sinkFunc func(events.Envelope)

func (f sinkFunc) Publish(env events.Envelope) { f(env) }
