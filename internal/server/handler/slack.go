package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// SlackHandler answers the Slack Events API. Message ingestion happens
// through the channel monitor, so the only event handled here is the URL
// verification challenge Slack sends when the endpoint is registered.
type SlackHandler struct {
	logger *slog.Logger
}

// NewSlackHandler creates a new Slack events handler.
func NewSlackHandler(logger *slog.Logger) *SlackHandler {
	return &SlackHandler{logger: logger}
}

type slackEvent struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// Handle processes Slack event callbacks.
func (h *SlackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var event slackEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}

	if event.Type == "url_verification" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(event.Challenge))
		return
	}

	h.logger.Debug("ignoring slack event", "type", event.Type)
	w.WriteHeader(http.StatusOK)
}
