// Package wshub fans JSON messages out to WebSocket clients grouped by topic.
// A topic is a team id for the team channel or an instrument code for the
// price channel.
package wshub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamfolio/trade-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the gateway.
	},
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics []string
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub manages WebSocket connections and broadcasts messages to the clients
// subscribed to a topic. A client whose send buffer is full is disconnected;
// it reconciles through the REST history on reconnect.
type Hub struct {
	name   string
	mu     sync.RWMutex
	topics map[string]map[*client]struct{}

	// OnFirstJoin and OnLastLeave are called outside the hub lock when a
	// topic gains its first client or loses its last one.
	OnFirstJoin func(topic string)
	OnLastLeave func(topic string)
}

// New creates a hub. name labels its metrics and logs.
func New(name string) *Hub {
	return &Hub{
		name:   name,
		topics: make(map[string]map[*client]struct{}),
	}
}

// Broadcast sends v to every client on topic. It never blocks.
func (h *Hub) Broadcast(topic string, v any) {
	h.mu.RLock()
	subs := h.topics[topic]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal failed", "hub", h.name, "err", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.topics[topic] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("ws client too slow, disconnecting", "hub", h.name, "topic", topic)
		h.unregister(c)
	}
}

// Clients returns the number of clients subscribed to topic.
func (h *Hub) Clients(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Serve upgrades the request and subscribes the connection to topics. The
// greeting messages are queued before any broadcast. Serve blocks until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topics []string, greeting ...any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "hub", h.name, "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer+len(greeting)), topics: topics}
	for _, g := range greeting {
		if data, err := json.Marshal(g); err == nil {
			c.send <- data
		}
	}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	var first []string
	h.mu.Lock()
	for _, t := range c.topics {
		subs, ok := h.topics[t]
		if !ok {
			subs = make(map[*client]struct{})
			h.topics[t] = subs
			first = append(first, t)
		}
		subs[c] = struct{}{}
	}
	h.mu.Unlock()

	metrics.WebSocketClients.WithLabelValues(h.name).Inc()
	slog.Debug("ws client connected", "hub", h.name, "topics", c.topics)
	if h.OnFirstJoin != nil {
		for _, t := range first {
			h.OnFirstJoin(t)
		}
	}
}

func (h *Hub) unregister(c *client) {
	var last []string
	removed := false
	h.mu.Lock()
	for _, t := range c.topics {
		subs := h.topics[t]
		if _, ok := subs[c]; !ok {
			continue
		}
		removed = true
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, t)
			last = append(last, t)
		}
	}
	h.mu.Unlock()

	if !removed {
		return
	}
	c.close()
	metrics.WebSocketClients.WithLabelValues(h.name).Dec()
	if h.OnLastLeave != nil {
		for _, t := range last {
			h.OnLastLeave(t)
		}
	}
}

// readPump keeps the connection alive and detects disconnects. Clients
// never send anything meaningful.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It also pings to keep the
// connection alive through proxies.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
