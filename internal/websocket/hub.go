// Package websocket fans bus events out to connected UI clients.
package websocket

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/metrics"
	"go.uber.org/zap"
)

// AllAccounts is the subscription key of clients that receive events of every account.
const AllAccounts = ""

const writeTimeout = 5 * time.Second

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
	// writes are serialized; gorilla connections allow one concurrent writer
	mu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per account subscription.
// It supports multiple connections per key (e.g., multiple tabs).
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerKey int
	total     int
}

// NewHub creates a new Hub with a per-subscription connection limit.
func NewHub(maxPerKey int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if maxPerKey <= 0 {
		maxPerKey = 10
	}
	return &Hub{
		logger:    logger.Named("websocket"),
		metrics:   m,
		clients:   make(map[string]map[*Client]struct{}),
		maxPerKey: maxPerKey,
	}
}

// Register adds a connection subscribed to accountID, or to every account with AllAccounts.
// If the limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[accountID] = set
	}

	if len(set) >= h.maxPerKey {
		h.logger.Warn("too many connections, closing new one",
			zap.String("account_id", accountID),
			zap.Int("max", h.maxPerKey),
		)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	set[client] = struct{}{}
	h.total++
	h.metrics.SetWebSocketClients(h.total)
	return client
}

// Unregister removes a client and closes the connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.clients[accountID]; ok {
		if _, present := set[client]; present {
			delete(set, client)
			h.total--
			h.metrics.SetWebSocketClients(h.total)
		}
		if len(set) == 0 {
			delete(h.clients, accountID)
		}
	}

	_ = client.conn.Close()
}

// Send writes msg to every client subscribed to accountID or to all accounts.
func (h *Hub) Send(accountID string, msg []byte) {
	h.mu.RLock()
	var targets []*Client
	for c := range h.clients[accountID] {
		targets = append(targets, c)
	}
	if accountID != AllAccounts {
		for c := range h.clients[AllAccounts] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(msg); err != nil {
			h.logger.Debug("failed to write message", zap.String("account_id", accountID), zap.Error(err))
			go h.Unregister(h.keyOf(c), c)
		}
	}
}

func (h *Hub) keyOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for key, set := range h.clients {
		if _, ok := set[c]; ok {
			return key
		}
	}
	return AllAccounts
}

// Attach forwards every bus event to the subscribed clients as JSON and returns the
// function that detaches the hub.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		msg, err := json.Marshal(e)
		if err != nil {
			h.logger.Error("failed to encode event", zap.String("type", string(e.Type)), zap.Error(err))
			return
		}
		h.Send(e.AccountID, msg)
	})
}

// ActiveConnections returns the number of connections subscribed to accountID.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	h.metrics.SetWebSocketClients(0)

	for _, set := range clients {
		for c := range set {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second),
			)
			_ = c.conn.Close()
		}
	}
}
