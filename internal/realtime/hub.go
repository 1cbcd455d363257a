// Package realtime streams order status changes to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fulfillment/internal/orders"
)

const writeWait = 5 * time.Second

// StatusEvent is the message sent to clients on every order change.
type StatusEvent struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Hub manages WebSocket clients and broadcasts messages to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

// NewHub constructs a Hub. Broadcasts are buffered so order changes never
// wait on slow clients.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Run processes register/unregister/broadcast events until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// OrderChanged implements orders.Notifier. The event is dropped when the
// broadcast buffer is full.
func (h *Hub) OrderChanged(order orders.Order) {
	msg, err := json.Marshal(StatusEvent{
		OrderID:   order.ID,
		Status:    string(order.Status),
		UpdatedAt: order.UpdatedAt,
	})
	if err != nil {
		h.log.Error().Err(err).Str("order_id", order.ID).Msg("encode status event")
		return
	}
	select {
	case h.Broadcast <- msg:
	default:
		h.log.Warn().Str("order_id", order.ID).Msg("status event dropped")
	}
}

// ServeWS upgrades the request and registers the connection. Client messages
// are discarded; a read error unregisters the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	select {
	case h.Register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				select {
				case h.Unregister <- conn:
				case <-time.After(writeWait):
					conn.Close()
				}
				return
			}
		}
	}()
}
