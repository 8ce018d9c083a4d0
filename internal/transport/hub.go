// Package transport pushes classroom events to browsers over Server-Sent
// Events and WebSockets.
package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Client kinds.
const (
	KindSSE       = "sse"
	KindWebSocket = "websocket"
)

// Message is one event as delivered to clients.
type Message struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config tunes the hub.
type Config struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	ReplaySize        int
	ClientBuffer      int
	AllowedOrigins    []string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		RetryDelay:        5 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		ReplaySize:        100,
		ClientBuffer:      64,
	}
}

// client is one connected stream. The hub never writes to the network
// itself; it hands messages to the client's buffered channel.
type client struct {
	id          int64
	sessionID   string
	kind        string
	connectedAt time.Time
	send        chan Message
	done        chan struct{}
	closeOnce   sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub fans events out to every client of a session.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	queue  *replayQueue

	broadcast chan Message
	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	mu      sync.RWMutex
	clients map[string]map[int64]*client

	orderMu sync.Mutex // keeps event ids increasing in channel order

	eventID atomic.Int64
	connID  atomic.Int64
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		queue:     newReplayQueue(cfg.ReplaySize),
		broadcast: make(chan Message, 256),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		clients:   make(map[string]map[int64]*client),
	}
	go h.broadcastLoop()
	return h
}

// Broadcast queues an event for every client of the session. Event ids are
// assigned here so they are increasing in broadcast order.
func (h *Hub) Broadcast(sessionID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("[BROADCAST] Failed to marshal payload", "error", err, "type", eventType)
		return
	}

	h.orderMu.Lock()
	defer h.orderMu.Unlock()
	msg := Message{
		ID:        h.eventID.Add(1),
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	h.queue.enqueue(msg)

	select {
	case h.broadcast <- msg:
		broadcastsTotal.WithLabelValues(eventType).Inc()
	case <-h.done:
	}
}

// HasClients reports whether any stream is open for the session.
func (h *Hub) HasClients(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID]) > 0
}

// ClientCount returns the number of open streams for the session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Forget drops the session's replay buffer.
func (h *Hub) Forget(sessionID string) {
	h.queue.prune(sessionID)
}

// Close stops the broadcast loop and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.loopDone

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, conns := range h.clients {
			for _, c := range conns {
				c.close()
			}
		}
	})
}

func (h *Hub) register(sessionID, kind string) *client {
	c := &client{
		id:          h.connID.Add(1),
		sessionID:   sessionID,
		kind:        kind,
		connectedAt: time.Now(),
		send:        make(chan Message, h.cfg.ClientBuffer),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	if _, ok := h.clients[sessionID]; !ok {
		h.clients[sessionID] = make(map[int64]*client)
	}
	h.clients[sessionID][c.id] = c
	h.mu.Unlock()

	connectedClients.WithLabelValues(kind).Inc()
	h.logger.Info("[STREAM] Client connected", "session_id", sessionID, "conn_id", c.id, "kind", kind)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.sessionID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.close()

	connectedClients.WithLabelValues(c.kind).Dec()
	h.logger.Info("[STREAM] Client disconnected",
		"session_id", c.sessionID,
		"conn_id", c.id,
		"kind", c.kind,
		"duration", time.Since(c.connectedAt).Round(time.Second),
	)
}

// broadcastLoop distributes queued messages to connected clients.
func (h *Hub) broadcastLoop() {
	defer close(h.loopDone)
	h.logger.Info("[BROADCAST] Broadcast loop started")
	for {
		select {
		case <-h.done:
			h.logger.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg Message) {
	// Snapshot clients to avoid holding the lock during sends
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[msg.SessionID]))
	for _, c := range h.clients[msg.SessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		h.logger.Debug("[BROADCAST] No clients for session", "session_id", msg.SessionID, "type", msg.Type)
		return
	}
	for _, c := range conns {
		select {
		case <-c.done:
		case c.send <- msg:
		default:
			droppedMessagesTotal.Inc()
			h.logger.Warn("[BROADCAST] Client buffer full, dropping message",
				"session_id", msg.SessionID,
				"conn_id", c.id,
				"event_id", msg.ID,
			)
		}
	}
}
