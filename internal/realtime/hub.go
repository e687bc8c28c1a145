// Package realtime pushes committed changes to the owners they concern over
// WebSocket. Producers publish after commit; a client only ever receives
// events addressed to its own owner ID, or everything when it is an admin.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/metrics"
)

// EventType names what changed.
type EventType string

const (
	EventWalletEntry  EventType = "wallet_entry"
	EventNotification EventType = "notification"
)

// Event is one message to a client.
type Event struct {
	Type      EventType `json:"type"`
	OwnerID   string    `json:"ownerId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription narrows what a client receives. An empty list means every
// type. Clients send it as a JSON message at any time.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
}

// Client is one WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	ownerID string
	admin   bool

	mu  sync.RWMutex
	sub Subscription
}

// MaxClients caps concurrent connections.
const MaxClients = 10000

// Hub owns the set of connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a hub. allowedOrigins lists browser origins allowed to
// connect besides the serving host; "*" allows any.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			if origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run is the hub loop. It returns when ctx is cancelled, closing every
// connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "owner_id", client.ownerID, "admin", client.admin, "connected", n)
}

// remove drops clients that are still registered and closes their send
// channels, which makes their write pumps exit.
func (h *Hub) remove(clients ...*Client) {
	h.mu.Lock()
	for _, client := range clients {
		if h.clients[client] {
			delete(h.clients, client)
			close(client.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		all = append(all, client)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

// deliver fans an event out to matching clients. A client whose buffer is
// full is disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("realtime event not serializable", "type", event.Type, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			lagging = append(lagging, client)
		}
	}
	h.mu.RUnlock()

	if len(lagging) > 0 {
		h.logger.Warn("disconnecting lagging realtime clients", "count", len(lagging))
		h.remove(lagging...)
	}
}

func shouldSend(client *Client, event *Event) bool {
	if !client.admin && client.ownerID != event.OwnerID {
		return false
	}
	client.mu.RLock()
	types := client.sub.EventTypes
	client.mu.RUnlock()
	return len(types) == 0 || slices.Contains(types, event.Type)
}

// Publish queues data for ownerID's connections. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Publish(ownerID string, typ EventType, data any) {
	if ownerID == "" {
		return
	}
	event := &Event{Type: typ, OwnerID: ownerID, Timestamp: time.Now().UTC(), Data: data}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", typ, "owner_id", ownerID)
	}
}

// Stats returns connection counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// Handle upgrades an authenticated request to a WebSocket. Browsers pass
// the bearer token as ?access_token=, which auth.Middleware accepts.
func (h *Hub) Handle(c *gin.Context) {
	id, ok := auth.CurrentIdentity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return
	}
	select {
	case <-h.done:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ownerID: id.OwnerID,
		admin:   id.IsAdmin(),
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go client.writeLoop()
	go client.readLoop()
}
