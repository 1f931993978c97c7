package notify

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub broadcasts events to connected websocket clients. It implements Sink.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan events.Envelope
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan events.Envelope)}
}

// Publish enqueues the envelope for every connected client, dropping for
// clients that cannot keep up.
func (h *Hub) Publish(env events.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- env:
		default:
		}
	}
}

// Handler upgrades the request and streams events until the client leaves.
func (h *Hub) Handler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[notify] ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan events.Envelope, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	for env := range ch {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("[notify] ws write error: %v", err)
			return
		}
	}
}

// ClientCount reports connected clients, mainly for status endpoints.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
