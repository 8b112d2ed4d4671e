package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adityatekale27/chat-app/internal/relay"
	"github.com/adityatekale27/chat-app/pkg/constants"
	"github.com/adityatekale27/chat-app/pkg/logger"
	"github.com/adityatekale27/chat-app/pkg/metrics"
)

// RelayHub fans signaling and presence events out to connected clients.
// Each user gets a dedicated Redis subscription on their user channel,
// shared by all of that user's sockets (multiple tabs or devices). A
// single hub-lifetime subscription on the presence channel is fanned to
// everyone. The hub only delivers; it never interprets the payloads.
type RelayHub struct {
	// Registered clients per user
	users map[uuid.UUID]map[*RelayClient]bool

	// Cancel functions for per-user subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	redisClient *goredis.Client
	metrics     *metrics.Metrics

	mu sync.RWMutex

	register   chan *RelayClient
	unregister chan *RelayClient
	deliver    chan *delivery

	// Concurrency limit for WebSocket connections
	maxConnections int
	semaphore      chan struct{}

	allowedOrigins map[string]bool
}

// delivery is a raw envelope routed to one user, or to everyone when
// broadcast is set.
type delivery struct {
	userID    uuid.UUID
	payload   []byte
	event     string
	broadcast bool
}

// RelayClient is one WebSocket connection belonging to one user.
type RelayClient struct {
	hub    *RelayHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

// NewRelayHub creates the hub and starts its event loop plus the shared
// presence subscription.
func NewRelayHub(redisClient *goredis.Client, m *metrics.Metrics, allowedOrigins []string) *RelayHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_RELAY_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	hub := &RelayHub{
		users:               make(map[uuid.UUID]map[*RelayClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		redisClient:         redisClient,
		metrics:             m,
		register:            make(chan *RelayClient),
		unregister:          make(chan *RelayClient),
		deliver:             make(chan *delivery, 256),
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
		allowedOrigins:      origins,
	}

	go hub.run()
	go hub.subscribePresence(context.Background())

	return hub
}

func (h *RelayHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*RelayClient]bool)

				ctx, cancel := context.WithCancel(context.Background())
				h.subscriptionCancels[client.userID] = cancel

				go h.subscribeUser(ctx, client.userID)
			}
			h.users[client.userID][client] = true
			h.mu.Unlock()

			if h.metrics != nil {
				h.metrics.IncrementWebSocketConnections()
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.users[client.userID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)

					if h.metrics != nil {
						h.metrics.DecrementWebSocketConnections()
					}

					// Last socket for this user: drop the subscription
					if len(clients) == 0 {
						if cancel, ok := h.subscriptionCancels[client.userID]; ok {
							cancel()
							delete(h.subscriptionCancels, client.userID)
						}
						delete(h.users, client.userID)
					}
				}
			}
			h.mu.Unlock()

		case d := <-h.deliver:
			h.mu.RLock()
			if d.broadcast {
				for _, clients := range h.users {
					for client := range clients {
						h.send(client, d)
					}
				}
			} else if clients, ok := h.users[d.userID]; ok {
				for client := range clients {
					h.send(client, d)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// send pushes a payload to one client without blocking the hub loop. A
// client that cannot keep up is dropped; its read pump will unregister it.
func (h *RelayHub) send(client *RelayClient, d *delivery) {
	select {
	case client.send <- d.payload:
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(d.event, "out")
		}
	default:
		if h.metrics != nil {
			h.metrics.RecordWebSocketError("slow_client")
		}
		client.conn.Close()
	}
}

// subscribeUser forwards everything published on the user's channel to
// that user's sockets. Runs until the last socket unregisters.
func (h *RelayHub) subscribeUser(ctx context.Context, userID uuid.UUID) {
	channel := relay.UserChannel(userID)

	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to user channel",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			h.deliver <- &delivery{
				userID:  userID,
				payload: []byte(msg.Payload),
				event:   envelopeEvent(msg.Payload),
			}
		}
	}
}

// subscribePresence forwards presence events to every connected client.
// Lives for the whole hub lifetime and reconnects on failure.
func (h *RelayHub) subscribePresence(ctx context.Context) {
	for {
		pubsub := h.redisClient.Subscribe(ctx, relay.PresenceChannel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			logger.Error("Failed to subscribe to presence channel", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		ch := pubsub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				if msg == nil {
					continue
				}
				h.deliver <- &delivery{
					payload:   []byte(msg.Payload),
					event:     envelopeEvent(msg.Payload),
					broadcast: true,
				}
			}
		}

		pubsub.Close()
	}
}

// envelopeEvent peeks at the event name for metrics labels.
func envelopeEvent(payload string) string {
	var env relay.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Event == "" {
		return "unknown"
	}
	return env.Event
}

// ServeWS upgrades the request and registers the socket under the
// authenticated user.
func (h *RelayHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return false
			}
			return h.allowedOrigins["*"] || h.allowedOrigins[origin]
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &RelayClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	h.register <- client

	go client.writePump()
	go func() {
		client.readPump()
		<-h.semaphore
	}()
}

// readPump drains the connection. Clients only listen on the relay
// socket (signaling mutations go through HTTP), so inbound frames are
// discarded; the pump exists to notice disconnects and answer pings.
func (c *RelayClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

// writePump writes relayed envelopes and keepalive pings.
func (c *RelayClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
