package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/middleware"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades operator dashboard connections.
type WSHandler struct {
	hub        *fanout.Hub
	markRead   fanout.MarkReadHandler
	authorizer fanout.SubscriptionAuthorizer
	jwtSecret  string
	logger     *logger.Logger
}

// NewWSHandler creates a new websocket handler.
func NewWSHandler(hub *fanout.Hub, markRead fanout.MarkReadHandler, authorizer fanout.SubscriptionAuthorizer, jwtSecret string, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:        hub,
		markRead:   markRead,
		authorizer: authorizer,
		jwtSecret:  jwtSecret,
		logger:     log,
	}
}

// Serve handles GET /api/v1/ws. Browsers cannot set an Authorization header
// on websocket requests, so the JWT arrives as a token query parameter.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	claims, err := middleware.ParseToken(token, h.jwtSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := dashboardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dashboard upgrade failed", zap.Error(err))
		return
	}

	fanout.ServeDashboard(h.hub, conn, claims.TenantID, claims.Subject, h.markRead, h.authorizer, h.logger)
}
