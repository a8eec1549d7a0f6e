package emitter

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pingPeriod keeps intermediaries from closing idle connections.
	pingPeriod = 30 * time.Second

	// sendBuffer is the per-client outbound queue; a client that falls this
	// far behind is dropped rather than allowed to stall the session.
	sendBuffer = 32
)

// client is one attached websocket connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans stream messages out to the websocket clients attached to each
// session. A session with no clients drops messages silently; the graph
// snapshot in persistence is the recovery path, not the stream.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*client]bool
	logger   *logx.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*client]bool),
		logger:   logx.NewLogger("stream"),
	}
}

// Attach takes ownership of an upgraded connection for the session and
// starts its pumps. The connection is closed when the client misbehaves,
// falls behind, or disconnects.
func (h *Hub) Attach(sessionID string, conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*client]bool)
	}
	h.sessions[sessionID][c] = true
	h.mu.Unlock()

	h.logger.DebugSession(sessionID, "stream client attached (%d total)", h.Clients(sessionID))
	go h.writePump(sessionID, c)
	go h.readPump(sessionID, c)
}

// Emit serializes the message once and queues it to every attached client.
func (h *Hub) Emit(sessionID string, msg *proto.StreamMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.sessions[sessionID]))
	for c := range h.sessions[sessionID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.WarnSession(sessionID, "dropping slow stream client")
			h.detach(sessionID, c)
		}
	}
	return nil
}

// Clients returns the number of attached clients for a session.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) detach(sessionID string, c *client) {
	h.mu.Lock()
	if clients, ok := h.sessions[sessionID]; ok {
		if clients[c] {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
}

// writePump drains the client's queue onto the wire and keeps the
// connection alive with pings.
func (h *Hub) writePump(sessionID string, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.DebugSession(sessionID, "stream write failed: %v", err)
				h.detach(sessionID, c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(sessionID, c)
				return
			}
		}
	}
}

// readPump discards inbound frames; UI events arrive over the HTTP API, not
// the stream. Its job is to notice disconnects.
func (h *Hub) readPump(sessionID string, c *client) {
	defer func() {
		h.detach(sessionID, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
