// Package server exposes a running page over HTTP and streams its reports to
// WebSocket clients.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/report"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev tool, served on localhost
	},
}

// sendBuffer is the number of entries queued per client before entries are
// dropped for that client.
const sendBuffer = 256

type client struct {
	id   string
	conn *websocket.Conn
	send chan report.Entry
	done chan struct{}
}

// Hub broadcasts report entries to every connected WebSocket client.
// It implements report.Sink.
type Hub struct {
	config  *config.Config
	clients map[string]*client
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		config:  cfg,
		clients: make(map[string]*client),
	}
}

// Log logs a message via the config.
func (h *Hub) Log(level int, format string, args ...interface{}) {
	h.config.Log(level, format, args...)
}

// Report queues e for every client. A client whose queue is full misses e.
func (h *Hub) Report(e report.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- e:
		default:
			h.Log(2, "WebSocket %s: queue full, dropped %s entry", c.id, e.Kind)
		}
	}
}

// Clients returns the ids of the connected clients.
func (h *Hub) Clients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   generateConnectionID(),
		conn: conn,
		send: make(chan report.Entry, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.Log(1, "WebSocket connected: conn=%s", c.id)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client messages and notices the connection closing.
func (h *Hub) readPump(c *client) {
	defer h.disconnect(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.Log(0, "WebSocket error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for {
		select {
		case e := <-c.send:
			h.Log(4, "[OUT] %s: to=%s %s", e.Kind, c.id, e.Message)
			if err := c.conn.WriteJSON(e); err != nil {
				h.Log(1, "WebSocket %s: write failed: %v", c.id, err)
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.done)
	}
	h.mu.Unlock()
	c.conn.Close()

	h.Log(1, "WebSocket disconnected: conn=%s", c.id)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.done)
	}
}

func generateConnectionID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "conn-" + hex.EncodeToString(bytes)
}
