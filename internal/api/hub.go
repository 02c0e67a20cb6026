package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/daviddao/outreach/internal/types"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 64
)

// ChangeMessage is pushed to a user's websocket clients when one of their
// records changes.
type ChangeMessage struct {
	Type   string                `json:"type"`
	Record *types.OutreachRecord `json:"record"`
}

// Hub fans record changes out to the websocket clients of the owning
// user. It implements types.ChangeNotifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	closed  bool

	upgrader websocket.Upgrader
	log      *slog.Logger
}

var _ types.ChangeNotifier = (*Hub)(nil)

// NewHub creates a hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool, log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: log.With("component", "hub"),
	}
}

// RecordChanged queues rec for every client of rec.UserID. Slow clients
// drop messages rather than block the writer.
func (h *Hub) RecordChanged(rec *types.OutreachRecord) {
	msg := &ChangeMessage{Type: "record", Record: rec}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[rec.UserID] {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("websocket client too slow, dropping change",
				"user", rec.UserID, "record", rec.ID)
		}
	}
}

// ClientCount returns the number of clients connected for userID.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Serve upgrades the request and streams userID's changes until the peer
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan *ChangeMessage, sendBufferSize)}
	if !h.register(userID, c) {
		conn.Close()
		return
	}
	h.log.Debug("websocket client connected", "user", userID)

	go c.writePump()
	c.readPump()

	h.unregister(userID, c)
	h.log.Debug("websocket client disconnected", "user", userID)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for userID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, userID)
	}
}

func (h *Hub) register(userID string, c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
	return true
}

func (h *Hub) unregister(userID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
	close(c.send)
}

// wsClient is one websocket connection. send is closed by the hub.
type wsClient struct {
	conn *websocket.Conn
	send chan *ChangeMessage
}

// readPump discards inbound messages and returns when the connection
// fails or closes.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
