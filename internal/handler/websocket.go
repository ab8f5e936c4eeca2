package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"examhub/internal/logger"
	"examhub/internal/session"
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// ブラウザ以外のクライアントは Origin を送らない
			return origin == "" || allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.Auth.Authenticate(r, true)
	if err != nil {
		logger.Warnf("[GET /ws] ❌ Unauthorized: %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "authentication required"})
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[GET /ws] WebSocket upgrade error: %v", err)
		return
	}

	s := session.New(conn, user, session.Deps{
		Room:     h.Hub,
		Forum:    h.Forum,
		Presence: h.Presence,
		Clock:    h.Clock,
		Rate:     h.Config.WSRate,
		Burst:    h.Config.WSBurst,
	})
	s.Run(h.BaseContext)
}
