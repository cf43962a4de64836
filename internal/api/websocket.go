package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"license-server/internal/auth"
	"license-server/internal/events"
	"license-server/internal/logging"
	"license-server/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers authenticate with ?token=, so origin is not a credential here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one dashboard connection.
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *LicenseHub
	userID    string
	isAdmin   bool
	closeChan chan struct{}
}

// LicenseHub fans license events out to the connections of the user who
// owns the license. Admin connections receive every event.
type LicenseHub struct {
	clients     map[*WSClient]bool
	userClients map[string]map[*WSClient]bool
	userCast    chan events.Event
	register    chan *WSClient
	unregister  chan *WSClient
	done        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	metrics     *metrics.Metrics
	log         *logging.Logger
}

// NewLicenseHub creates a hub. Call Run to start delivering.
func NewLicenseHub(m *metrics.Metrics) *LicenseHub {
	return &LicenseHub{
		clients:     make(map[*WSClient]bool),
		userClients: make(map[string]map[*WSClient]bool),
		userCast:    make(chan events.Event, 256),
		register:    make(chan *WSClient),
		unregister:  make(chan *WSClient),
		done:        make(chan struct{}),
		metrics:     m,
		log:         logging.WithComponent("websocket"),
	}
}

// Run delivers events until Stop is called.
func (h *LicenseHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*WSClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()
			h.metrics.WebSocketConnected(1)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case event := <-h.userCast:
			h.deliver(event)

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every connection and ends Run.
func (h *LicenseHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// removeLocked drops client and closes its send channel. Caller holds h.mu.
func (h *LicenseHub) removeLocked(client *WSClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if userClients, ok := h.userClients[client.userID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.userClients, client.userID)
		}
	}
	close(client.send)
	h.metrics.WebSocketConnected(-1)
}

func (h *LicenseHub) deliver(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Warn("Failed to marshal license event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.userID != event.UserID && !client.isAdmin {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer
			h.removeLocked(client)
		}
	}
}

// Publish queues event for delivery. It is an events.Subscriber.
func (h *LicenseHub) Publish(event events.Event) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.userCast <- event:
	default:
		h.log.Warn("License event channel full, dropping message", "type", event.Type)
	}
}

// UserClientCount returns the number of connections open for userID.
func (h *LicenseHub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// ClientCount returns the total number of open connections.
func (h *LicenseHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump discards client frames and detects disconnects
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("WebSocket read error", "user_id", c.userID)
			}
			return
		}
	}
}

// handleLicenseWebSocket upgrades an authenticated request to a live
// license event stream.
func (s *Server) handleLicenseWebSocket(c *gin.Context) {
	userID := auth.GetUserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.FromContext(c.Request.Context()).WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		hub:       s.hub,
		userID:    userID,
		isAdmin:   auth.IsAdmin(c),
		closeChan: make(chan struct{}),
	}

	// Queue the welcome before registering so it is the first frame.
	welcome := map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "WebSocket connection established",
		"timestamp": time.Now().UTC(),
		"user_id":   userID,
	}
	if data, err := json.Marshal(welcome); err == nil {
		client.send <- data
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
