package websockets

import (
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
)

// NewUpgrader returns the WebSocket upgrader. With no allowed origins every
// origin is accepted, which suits a local agent bound to localhost.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return slices.Contains(allowedOrigins, u.Scheme+"://"+u.Host)
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			http.Error(w, reason.Error(), status)
		},
	}
}
