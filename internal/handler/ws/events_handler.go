// Package ws delivers ordered event streams to connected endpoints over
// WebSocket.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callbridge-backend/internal/event"
	"callbridge-backend/internal/presence"
	"callbridge-backend/internal/registry"
	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// clientSendBuffer is the per-connection outbound queue depth. A client
// that falls this far behind is disconnected rather than allowed to stall
// the hub.
const clientSendBuffer = 256

// Client message types
const (
	msgTypeSubscribe   = "subscribe"
	msgTypeUnsubscribe = "unsubscribe"
)

// clientMessage is the inbound frame format: presence subscription control
type clientMessage struct {
	Type   string    `json:"type"`
	UserID uuid.UUID `json:"user_id"`
}

// EventHub manages one WebSocket connection per registered endpoint and
// implements event.Sink for the call service, signaling router and
// presence broadcaster.
type EventHub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client // endpoint id -> connection

	registry    *registry.Registry
	broadcaster *presence.Broadcaster
	metrics     *metrics.Metrics

	allowedOrigins map[string]struct{}
	upgrader       websocket.Upgrader
}

// Client is one endpoint's WebSocket connection
type Client struct {
	hub        *EventHub
	conn       *websocket.Conn
	send       chan []byte
	endpointID uuid.UUID
	userID     uuid.UUID

	// seq numbers every envelope written to this connection; protected by
	// the hub lock held in Deliver
	seq uint64

	closeOnce sync.Once
}

// NewEventHub creates the hub. The broadcaster is attached later via
// SetBroadcaster because the broadcaster itself needs the hub as its sink.
func NewEventHub(reg *registry.Registry, m *metrics.Metrics, allowedOrigins []string) *EventHub {
	h := &EventHub{
		clients:        make(map[uuid.UUID]*Client),
		registry:       reg,
		metrics:        m,
		allowedOrigins: make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, origin := range allowedOrigins {
		h.allowedOrigins[origin] = struct{}{}
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin header
				return true
			}
			if _, ok := h.allowedOrigins["*"]; ok {
				return true
			}
			_, ok := h.allowedOrigins[origin]
			return ok
		},
	}

	return h
}

// SetBroadcaster wires the presence broadcaster for subscription control
// frames. Must be called before ServeWS handles connections.
func (h *EventHub) SetBroadcaster(b *presence.Broadcaster) {
	h.broadcaster = b
}

// Deliver queues the envelope for the endpoint's connection, stamping a
// per-connection sequence number. Queueing is in call order, which with the
// single write pump gives FIFO delivery per connection.
func (h *EventHub) Deliver(endpointID uuid.UUID, env event.Envelope) error {
	h.mu.Lock()
	client, ok := h.clients[endpointID]
	if !ok {
		h.mu.Unlock()
		return event.ErrSinkUnreachable
	}

	client.seq++
	env.Seq = client.seq

	data, err := json.Marshal(env)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	select {
	case client.send <- data:
		h.mu.Unlock()
	default:
		// Queue full: the client is too slow to keep its ordered stream;
		// drop the connection so it reconnects and resyncs
		delete(h.clients, endpointID)
		h.mu.Unlock()
		client.close()
		if h.metrics != nil {
			h.metrics.RecordWebSocketError("slow_consumer")
		}
		logger.Warn("Disconnected slow WebSocket client",
			zap.String("endpoint_id", endpointID.String()))
		return event.ErrSinkUnreachable
	}

	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(string(env.Type), "outbound")
	}
	return nil
}

// IsReachable reports whether the endpoint has a live connection
func (h *EventHub) IsReachable(endpointID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[endpointID]
	return ok
}

// ConnectionCount returns the number of live connections
func (h *EventHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and binds the connection to the endpoint
// given by the endpoint_id query parameter. The endpoint must be registered
// and owned by the authenticated user. A second connection for the same
// endpoint replaces the first.
func (h *EventHub) ServeWS(c *gin.Context) {
	endpointIDStr := c.Query("endpoint_id")
	if endpointIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint_id required"})
		return
	}
	endpointID, err := uuid.Parse(endpointIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint_id"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	endpoint, err := h.registry.Get(endpointID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint is not registered"})
		return
	}
	if endpoint.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "endpoint belongs to another user"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("endpoint_id", endpointID.String()),
			zap.Error(err))
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, clientSendBuffer),
		endpointID: endpointID,
		userID:     userID,
	}

	h.mu.Lock()
	if previous, ok := h.clients[endpointID]; ok {
		previous.close()
	}
	h.clients[endpointID] = client
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(count)
	}

	logger.Info("WebSocket connected",
		zap.String("endpoint_id", endpointID.String()),
		zap.String("user_id", userID.String()))

	go client.writePump()
	go client.readPump()
}

// detach removes the client from the hub and drops its presence
// subscriptions
func (h *EventHub) detach(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.endpointID]; ok && current == client {
		delete(h.clients, client.endpointID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(count)
	}
	if h.broadcaster != nil {
		h.broadcaster.DropObserver(client.endpointID)
	}
}

// close shuts the send channel exactly once, which terminates the write
// pump and closes the connection
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump consumes subscription control frames until the connection dies.
// Pong frames double as liveness heartbeats for the registry.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		// Liveness rides on the socket while it is open
		_ = c.hub.registry.Heartbeat(c.endpointID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("endpoint_id", c.endpointID.String()),
					zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Invalid WebSocket frame",
				zap.String("endpoint_id", c.endpointID.String()),
				zap.Error(err))
			continue
		}

		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(msg.Type, "inbound")
		}

		switch msg.Type {
		case msgTypeSubscribe:
			if c.hub.broadcaster != nil && msg.UserID != uuid.Nil {
				c.hub.broadcaster.Subscribe(msg.UserID, c.endpointID)
			}
		case msgTypeUnsubscribe:
			if c.hub.broadcaster != nil && msg.UserID != uuid.Nil {
				c.hub.broadcaster.Unsubscribe(msg.UserID, c.endpointID)
			}
		default:
			logger.Debug("Unknown WebSocket frame type",
				zap.String("endpoint_id", c.endpointID.String()),
				zap.String("type", msg.Type))
		}
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
