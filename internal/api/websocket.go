package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nck/internal/units"
)

const (
	// MaxWSConnectionsTotal is the maximum number of WebSocket connections allowed.
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the maximum WebSocket connections per IP.
	MaxWSConnectionsPerIP = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if IsAllowedOrigin(origin) {
			return true
		}
		log.Printf("websocket connection rejected from origin: %s", origin)
		RecordConnectionRejected("origin")
		return false
	},
}

// wsClient tracks a WebSocket connection with its source IP.
type wsClient struct {
	conn *websocket.Conn
	ip   string
}

// WebSocketHub fans the latest simulation snapshot out to browser viewers,
// separate from the NCK protocol clients internal/server talks to — this
// is a read-only JSON bridge, not a second pick-id-translating session.
type WebSocketHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	wsLimiter *WebSocketRateLimiter
}

// NewWebSocketHub creates a new hub with connection limiting.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		wsLimiter:  NewWebSocketRateLimiter(MaxWSConnectionsPerIP),
	}
}

// Run starts the hub's event loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			h.mu.Unlock()
			UpdateWSConnections(h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[conn]; ok {
				h.wsLimiter.Release(client.ip)
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			UpdateWSConnections(h.ClientCount())

		case message := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					h.mu.RUnlock()
					h.mu.Lock()
					if client, ok := h.clients[conn]; ok {
						h.wsLimiter.Release(client.ip)
						delete(h.clients, conn)
					}
					h.mu.Unlock()
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()
			IncrementWSMessages()
		}
	}
}

// Broadcast sends an event to all connected browser clients.
func (h *WebSocketHub) Broadcast(event string, data interface{}) {
	msg := map[string]interface{}{"event": event, "data": data}
	jsonBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- jsonBytes:
	default:
		// Channel full, drop (backpressure, matches the NCK wire protocol's
		// own drop-on-full behavior for the request queue).
	}
}

// ClientCount returns the number of connected browser clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartBroadcastLoop periodically pushes the latest reduced unit states to
// every connected browser viewer.
func (h *WebSocketHub) StartBroadcastLoop(simIntegrator SimInterface) {
	ticker := time.NewTicker(100 * time.Millisecond)

	go func() {
		for range ticker.C {
			if h.ClientCount() == 0 {
				continue
			}

			snap := simIntegrator.LatestSnapshot()
			reduced := make([]units.ReducedUnitState, len(snap.Units))
			for i, u := range snap.Units {
				reduced[i] = units.Reduce(u)
			}

			h.Broadcast("sim:state", map[string]interface{}{
				"sessionId": snap.SessionID,
				"timeStamp": snap.TimeStamp,
				"units":     reduced,
			})
		}
	}()
}

// HandleWebSocket upgrades an HTTP request to a WebSocket connection.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if h.ClientCount() >= MaxWSConnectionsTotal {
		log.Printf("websocket connection rejected: total limit reached")
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !h.wsLimiter.Allow(ip) {
		log.Printf("websocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		h.wsLimiter.Release(ip)
		return
	}

	client := &wsClient{conn: conn, ip: ip}
	h.register <- client

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			// Browser viewers are read-only observers; any inbound frame
			// is discarded rather than parsed as a command.
		}
	}()
}
