package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/botpanel/internal/events"
)

// SessionServer runs a push-channel session on an upgraded connection.
type SessionServer interface {
	Serve(ctx context.Context, conn *websocket.Conn) error
}

// WSHandler upgrades /ws requests into push-channel sessions.
type WSHandler struct {
	sessions SessionServer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates a websocket handler. An empty allowedOrigins list
// accepts any origin.
func NewWSHandler(sessions SessionServer, allowedOrigins []string, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WSHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger,
	}
}

// Serve handles GET /ws. It must be mounted outside the request timeout; the
// session ends when the client disconnects or the service is closed.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("failed to upgrade websocket", "error", err)
		return
	}

	err = h.sessions.Serve(r.Context(), conn)
	if err != nil && !errors.Is(err, events.ErrSessionClosed) {
		h.logger.Debug("push session ended", "error", err)
	}
}
