package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/middleware"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/service"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

// widgetUpgrader accepts any origin; the widget is embedded on customer
// sites and the connection ID plus conversation ownership check is the
// authorization boundary.
var widgetUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WidgetHandler serves the customer-facing chat widget: no JWT, scoped to
// one channel connection.
type WidgetHandler struct {
	inbound  *service.InboundService
	messages *service.MessageService
	hub      *fanout.Hub
	logger   *logger.Logger
}

// NewWidgetHandler creates a new widget handler.
func NewWidgetHandler(inbound *service.InboundService, messages *service.MessageService, hub *fanout.Hub, log *logger.Logger) *WidgetHandler {
	return &WidgetHandler{
		inbound:  inbound,
		messages: messages,
		hub:      hub,
		logger:   log,
	}
}

// PostMessage handles POST /widget/{connectionID}/messages
func (h *WidgetHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "connectionID")

	var req model.WidgetMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	conv, msg, err := h.inbound.HandleInbound(ctx, &model.InboundDelivery{
		Channel:            model.ChannelWebWidget,
		ConnectionID:       connectionID,
		ExternalCustomerID: req.ExternalCustomerID,
		Text:               req.Text,
	})
	switch {
	case errors.Is(err, service.ErrUnknownConnection):
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	case errors.Is(err, service.ErrChannelMismatch):
		writeError(w, http.StatusBadRequest, "connection is not a widget connection")
		return
	case err != nil:
		h.logger.Error("widget message failed", zap.Error(err),
			zap.String("connection_id", connectionID))
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"conversation_id": conv.ID,
		"message":         msg,
	})
}

// ListMessages handles GET /widget/{connectionID}/messages
func (h *WidgetHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "connectionID")
	conversationID := r.URL.Query().Get("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var after time.Time
	if a := r.URL.Query().Get("after"); a != "" {
		parsed, err := time.Parse(time.RFC3339, a)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after timestamp")
			return
		}
		after = parsed
	}

	resp, err := h.messages.ListWidgetMessages(ctx, connectionID, conversationID, after, parseLimit(r, 50))
	if errors.Is(err, service.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("widget history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stream handles GET /widget/{connectionID}/ws
func (h *WidgetHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "connectionID")
	conversationID := r.URL.Query().Get("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.messages.GetWidgetConversation(ctx, connectionID, conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	conn, err := widgetUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("widget upgrade failed", zap.Error(err))
		return
	}

	fanout.ServeWidget(h.hub, conn, conversationID, h.logger)
}
