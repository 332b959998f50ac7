package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler handles the /api/v1/ws endpoint for live events.
type WebSocketHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

func NewWebSocketHandler(hub *ws.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API key already gates the handshake; the daemon runs behind a trusted proxy.
		return true
	},
}

// Handle upgrades the connection and subscribes it to the events of ?account=, or of
// every account when the parameter is absent. Authentication happens in the API key
// middleware, which accepts ?token= because browsers cannot set headers here.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}
	h.logger.Debug("websocket connected", zap.String("account_id", accountID))

	go h.readLoop(accountID, client)
}

// readLoop reads until the connection closes, then unregisters the client.
// Clients send nothing; reading only detects disconnects and answers pings.
func (h *WebSocketHandler) readLoop(accountID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(accountID, client)
}
