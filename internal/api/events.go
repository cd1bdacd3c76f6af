package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duocyber/fieldsync/internal/infrastructure/config"
	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
)

// eventSendBufferSize is the per-client outbound message buffer size.
// When a consumer's buffer is full, events for it are dropped rather than
// allowed to stall the hub; the consumer stays connected.
const eventSendBufferSize = 64

// Event is one admin feed message.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub fans replication events (sessions opening, batches importing) out
// to connected admin WebSocket clients.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// eventClient is one connected feed consumer.
type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader configures the WebSocket upgrader. It accepts any origin; the
// CORS middleware only adds headers for allowed origins and rejects none.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// NewHub creates an event hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast sends an event to every connected client. Marshal failures
// are logged and dropped; the feed is advisory.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*eventClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full: the consumer is too slow, drop the event.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a client to the hub.
func (h *Hub) register(client *eventClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

// unregister removes a client. Only the goroutine that removes the
// client from the map closes the send channel, preventing double-close
// panics during shutdown.
func (h *Hub) unregister(client *eventClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
}

// handleEvents upgrades an authenticated request to the event feed.
//
// GET /admin/events?token=<admin JWT>
//
// The token travels as a query parameter because browsers cannot set
// headers on WebSocket dials; an Authorization header also works for
// non-browser consumers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if _, ok := s.adminClaims(authHeader); !ok {
		writeUnauthorized(w, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &eventClient{
		conn: conn,
		send: make(chan []byte, eventSendBufferSize),
	}
	s.hub.register(client)

	go s.writePump(client)
	go s.readPump(client)
}

// writePump drains the client's send buffer and keeps the connection
// alive with pings.
func (s *Server) writePump(client *eventClient) {
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close() //nolint:errcheck // best-effort close
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				//nolint:errcheck // best-effort close frame
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames (the feed is one-way; reads only
// detect disconnects) and unregisters on close.
func (s *Server) readPump(client *eventClient) {
	defer func() {
		s.hub.unregister(client)
		client.conn.Close() //nolint:errcheck // best-effort close
	}()

	if s.wsCfg.MaxMessageSize > 0 {
		client.conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
