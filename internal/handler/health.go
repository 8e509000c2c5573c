package handler

import (
	"context"
	"net/http"
	"time"

	natsclient "github.com/relaydesk/relaydesk/internal/nats"
	"github.com/relaydesk/relaydesk/internal/store"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	mongo      *store.Client
	natsClient *natsclient.Client
}

// NewHealthHandler creates a new health handler. Both dependencies are
// optional; a nil one is excluded from the readiness check.
func NewHealthHandler(mongo *store.Client, natsClient *natsclient.Client) *HealthHandler {
	return &HealthHandler{
		mongo:      mongo,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.mongo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.mongo.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "mongodb not reachable",
			})
			return
		}
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
