package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/gigmarket/ordersync/internal/api"
	"github.com/gigmarket/ordersync/internal/service"
	"github.com/gigmarket/ordersync/internal/websockets"
)

// WebSocketHandler upgrades authenticated clients onto the event feed
type WebSocketHandler struct {
	hub      *websockets.Hub
	auth     *service.AuthService
	upgrader *websocket.Upgrader
}

func NewWebSocketHandler(hub *websockets.Hub, auth *service.AuthService, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		auth:     auth,
		upgrader: websockets.NewUpgrader(allowedOrigins),
	}
}

// ServeHTTP handles GET /ws?token=. Browsers cannot set headers on a
// WebSocket handshake, so the token travels in the query string.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		api.BadRequest(w, "token is required")
		return
	}

	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		api.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// If upgrading fails, the upgrader has already written the error to the response
		return
	}

	websockets.ServeWs(h.hub, conn, claims.UserID)
}
