// Package realtime implements the notification channel: a websocket hub
// fanning out ingestion events to subscribed dashboard sessions. Delivery is
// at-most-once per connection with no buffering or redelivery; a silent
// channel means possibly-stale, never failure.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
)

// UpdateType distinguishes live update payloads.
type UpdateType string

const (
	UpdateNewReport       UpdateType = "new_report"
	UpdateSimulatedReport UpdateType = "simulated_report"
)

const (
	eventStatus     = "status"
	eventLiveUpdate = "live_update"

	relayChannel = "realtime:live_update"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Message is the single wire envelope for server-to-client traffic.
type Message struct {
	Event     string      `json:"event"`
	Type      UpdateType  `json:"type,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientCommand is the only client-to-server message the channel accepts.
type clientCommand struct {
	Type string `json:"type"`
}

// relayEnvelope wraps broadcasts published through Redis so an instance can
// skip the copies of its own emissions.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Hub maintains the set of active connections and broadcasts live updates.
type Hub struct {
	id         string
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	relay      *redis.Client
	upgrader   websocket.Upgrader
	queueSize  int
	logger     *zap.Logger
	onEmit     func(UpdateType)
	mutex      sync.RWMutex
}

// SetEmitObserver wires an emission counter for metrics. Optional.
func (h *Hub) SetEmitObserver(fn func(UpdateType)) {
	h.onEmit = fn
}

// Client represents one dashboard websocket session.
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	subscribed bool
	closed     bool
	mutex      sync.RWMutex
}

// NewHub creates a websocket hub. relay may be nil when no cross-instance
// fan-out is wanted.
func NewHub(cfg config.RealtimeConfig, relay *redis.Client, logger *zap.Logger) *Hub {
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		id:         uuid.NewString(),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, queueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relay:      relay,
		queueSize:  queueSize,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run processes registration and broadcast traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.Info("websocket client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mutex.Unlock()
			h.logger.Info("websocket client disconnected", zap.String("client_id", client.id))

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if !client.isSubscribed() {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Slow consumer: drop the connection, not the hub.
					delete(h.clients, client)
					client.close()
				}
			}
			h.mutex.Unlock()

		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mutex.Unlock()
			return
		}
	}
}

// HandleWebSocket upgrades a dashboard request into a hub session.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.queueSize),
	}

	h.register <- client
	client.enqueue(Message{
		Event:     eventStatus,
		Message:   "Connected to DMARC dashboard API",
		Timestamp: time.Now().UTC(),
	})

	go client.writePump()
	go client.readPump()
}

// EmitLiveUpdate broadcasts an ingestion event to all subscribed sessions
// and relays it to sibling instances. Fire and forget.
func (h *Hub) EmitLiveUpdate(updateType UpdateType, data interface{}) {
	payload, err := json.Marshal(Message{
		Event:     eventLiveUpdate,
		Type:      updateType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to marshal live update", zap.Error(err))
		return
	}

	h.enqueueBroadcast(payload)
	if h.onEmit != nil {
		h.onEmit(updateType)
	}

	if h.relay != nil {
		envelope, _ := json.Marshal(relayEnvelope{Origin: h.id, Payload: payload})
		if err := h.relay.Publish(context.Background(), relayChannel, envelope).Err(); err != nil {
			h.logger.Warn("live update relay publish failed", zap.Error(err))
		}
	}
}

// RunRelay consumes live updates published by sibling instances. Returns
// immediately when no relay connection was configured.
func (h *Hub) RunRelay(ctx context.Context) {
	if h.relay == nil {
		return
	}

	pubsub := h.relay.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	for {
		select {
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				h.logger.Warn("discarding undecodable relay message", zap.Error(err))
				continue
			}
			if envelope.Origin == h.id {
				continue
			}
			h.enqueueBroadcast(envelope.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// ConnectedClients returns the number of open sessions.
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueueBroadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping live update")
	}
}

func (c *Client) isSubscribed() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.subscribed
}

// close shuts the send queue exactly once. Only the hub calls this; enqueue
// honors the flag so readPump can never write to a closed channel after the
// hub has dropped the client.
func (c *Client) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) enqueue(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// readPump consumes client commands until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error",
					zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		if cmd.Type == "subscribe_updates" {
			c.mutex.Lock()
			c.subscribed = true
			c.mutex.Unlock()
			c.enqueue(Message{
				Event:     eventStatus,
				Message:   "Subscribed to live updates",
				Timestamp: time.Now().UTC(),
			})
			c.hub.logger.Info("client subscribed to updates", zap.String("client_id", c.id))
		}
	}
}

// writePump serializes delivery for one connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
