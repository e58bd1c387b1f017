// WebSocket hub for broadcasting price updates to connected clients.
package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/politikon/market-engine/internal/metrics"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients after a trade or
// settlement changes an event's price.
type WSMessage struct {
	Type             string `json:"type"`
	EventID          string `json:"event_id"`
	State            string `json:"state,omitempty"`
	BuyForPrice      int    `json:"buy_for_price"`
	BuyAgainstPrice  int    `json:"buy_against_price"`
	SellForPrice     int    `json:"sell_for_price"`
	SellAgainstPrice int    `json:"sell_against_price"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when event prices change. The clients map and every
// connection write are owned by the Run goroutine alone; gorilla/websocket
// allows at most one concurrent writer per connection.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(conn)
				}
			}

		case <-ticker.C:
			// Keep connections alive through proxies.
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.drop(conn)
				}
			}
		}
	}
}

// drop closes and forgets a connection. Only called from the Run loop.
func (h *WSHub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		metrics.WebSocketClients.Dec()
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
