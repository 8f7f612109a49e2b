package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/events"
)

// EventsHandler upgrades authenticated clients onto the status event hub.
type EventsHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

func NewEventsHandler(hub *events.Hub, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, logger: logger}
}

// Stream subscribes the caller to status transitions. Topics come from the
// repeated "topic" query parameter, defaulting to the firehose.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{"models"}
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
