// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/middleware"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/service"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

// WebhookHandler receives channel deliveries from external platforms.
type WebhookHandler struct {
	inbound *service.InboundService
	logger  *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(inbound *service.InboundService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		inbound: inbound,
		logger:  log,
	}
}

// webhookPayload is the normalized delivery body posted by channel adapters.
type webhookPayload struct {
	ExternalCustomerID string             `json:"external_customer_id"`
	Text               string             `json:"text"`
	Attachments        []model.Attachment `json:"attachments,omitempty"`
}

// Receive handles POST /webhooks/{channel}/{connectionID}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := model.Channel(chi.URLParam(r, "channel"))
	connectionID := chi.URLParam(r, "connectionID")

	if !channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	delivery := &model.InboundDelivery{
		Channel:            channel,
		ConnectionID:       connectionID,
		ExternalCustomerID: payload.ExternalCustomerID,
		Text:               payload.Text,
		Attachments:        payload.Attachments,
	}
	if err := middleware.ValidateStruct(delivery); err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery: "+err.Error())
		return
	}

	conv, msg, err := h.inbound.HandleInbound(ctx, delivery)
	switch {
	case errors.Is(err, service.ErrUnknownConnection):
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	case errors.Is(err, service.ErrChannelMismatch):
		writeError(w, http.StatusBadRequest, "channel does not match connection")
		return
	case err != nil:
		h.logger.Error("inbound delivery failed", zap.Error(err),
			zap.String("connection_id", connectionID))
		writeError(w, http.StatusInternalServerError, "failed to process delivery")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
	})
}
