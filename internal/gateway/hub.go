package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-stream/internal/protocol"
)

// wsConn serializes writes on one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

// Hub holds the connected rider and driver sessions by user id.
type Hub struct {
	mu      sync.RWMutex
	riders  map[string]*wsConn
	drivers map[string]*wsConn
}

func NewHub() *Hub {
	return &Hub{
		riders:  make(map[string]*wsConn),
		drivers: make(map[string]*wsConn),
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no channel session" }

func (h *Hub) AddRider(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.riders[userID] = &wsConn{conn: conn}
}

func (h *Hub) RemoveRider(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.riders, userID)
}

func (h *Hub) AddDriver(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drivers[userID] = &wsConn{conn: conn}
}

func (h *Hub) RemoveDriver(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.drivers, userID)
}

func (h *Hub) SendToRider(userID string, env protocol.Envelope) error {
	h.mu.RLock()
	c, ok := h.riders[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return c.send(env)
}

func (h *Hub) SendToDriver(userID string, env protocol.Envelope) error {
	h.mu.RLock()
	c, ok := h.drivers[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return c.send(env)
}

// BroadcastRiders sends the envelope to every connected rider. Failed sends
// are skipped; the rider's own read loop notices the broken connection.
func (h *Hub) BroadcastRiders(env protocol.Envelope) {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.riders))
	for _, c := range h.riders {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.send(env)
	}
}
