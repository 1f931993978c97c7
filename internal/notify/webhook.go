package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"execution-core/internal/events"
)

// Webhook POSTs selected events to an external URL. Delivery is best-effort
// and asynchronous so a slow endpoint never backpressures the core.
type Webhook struct {
	url     string
	client  *http.Client
	topics  map[events.Event]bool
	pending chan events.Envelope
}

// NewWebhook delivers only the given topics; with none listed it delivers
// everything.
func NewWebhook(url string, topics ...events.Event) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		topics:  make(map[events.Event]bool, len(topics)),
		pending: make(chan events.Envelope, 128),
	}
	for _, t := range topics {
		w.topics[t] = true
	}
	go w.deliver()
	return w
}

// Publish enqueues an envelope for delivery, dropping when the queue is full.
func (w *Webhook) Publish(env events.Envelope) {
	if len(w.topics) > 0 && !w.topics[env.Event] {
		return
	}
	select {
	case w.pending <- env:
	default:
		log.Printf("[notify] webhook queue full, dropping %s", env.Event)
	}
}

func (w *Webhook) deliver() {
	for env := range w.pending {
		body, err := json.Marshal(env)
		if err != nil {
			log.Printf("[notify] webhook marshal: %v", err)
			continue
		}
		resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("[notify] webhook post: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("[notify] webhook %s returned %d", env.Event, resp.StatusCode)
		}
	}
}

// Close stops the delivery loop after the queue drains.
func (w *Webhook) Close() {
	close(w.pending)
}
