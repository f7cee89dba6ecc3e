package ws

import (
	"encoding/json"
	"sync"
)

// Client is one websocket connection of an authenticated user.
type Client struct {
	UserID uint
	Send   chan []byte
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

func NewClient(userID uint, buffer int) *Client {
	return &Client{UserID: userID, Send: make(chan []byte, buffer)}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.hub != nil {
		c.hub.unregister(c)
	}
	close(c.Send)
}

// trySend queues data unless the client is closed or its buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Hub tracks open connections per user. A user may have several.
type Hub struct {
	mu     sync.RWMutex
	byUser map[uint]map[*Client]struct{}
	count  int
}

func NewHub() *Hub {
	return &Hub{byUser: make(map[uint]map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.hub = h
	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[*Client]struct{})
	}
	if _, ok := h.byUser[c.UserID][c]; !ok {
		h.byUser[c.UserID][c] = struct{}{}
		h.count++
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.byUser[c.UserID]
	if m == nil {
		return
	}
	if _, ok := m[c]; ok {
		delete(m, c)
		h.count--
	}
	if len(m) == 0 {
		delete(h.byUser, c.UserID)
	}
}

// BroadcastToUser sends payload as JSON to every connection of userID. Slow
// connections drop the message.
func (h *Hub) BroadcastToUser(userID uint, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.trySend(data)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
