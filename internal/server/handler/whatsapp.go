// Package handler provides the HTTP handlers for inbound channel webhooks.
package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sevigo/chat-relay/internal/config"
	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/storage"
	"github.com/sevigo/chat-relay/internal/whatsapp"
)

// emptyTwiML tells Twilio not to send an immediate reply; the real answer
// arrives later through the REST API once the worker has processed the job.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WhatsAppHandler processes inbound WhatsApp messages delivered by Twilio.
type WhatsAppHandler struct {
	cfg        *config.Config
	store      storage.Store
	dispatcher core.JobDispatcher
	logger     *slog.Logger
}

// NewWhatsAppHandler creates a new WhatsApp webhook handler.
func NewWhatsAppHandler(cfg *config.Config, store storage.Store, dispatcher core.JobDispatcher, logger *slog.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle accepts one inbound message, persists it, and queues it for
// processing. Twilio treats any non-2xx as a delivery failure and retries,
// so once the message is persisted the handler always answers 200 with
// empty TwiML, whatever the downstream outcome.
func (h *WhatsAppHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form payload", http.StatusBadRequest)
		return
	}

	if h.cfg.TwilioAuthToken != "" {
		requestURL := requestURL(r)
		signature := r.Header.Get("X-Twilio-Signature")
		if !whatsapp.ValidateSignature(h.cfg.TwilioAuthToken, requestURL, r.PostForm, signature) {
			h.logger.Warn("rejected whatsapp webhook with bad signature", "url", requestURL)
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	from := strings.TrimPrefix(r.PostForm.Get("From"), "whatsapp:")
	to := strings.TrimPrefix(r.PostForm.Get("To"), "whatsapp:")
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		http.Error(w, "Missing From or Body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	orgSlug := chi.URLParam(r, "orgSlug")

	org, err := h.store.OrganizationBySlug(ctx, orgSlug)
	if err != nil {
		h.logger.Warn("whatsapp webhook for unknown organization", "slug", orgSlug)
		http.Error(w, "Unknown organization", http.StatusNotFound)
		return
	}

	ch, err := h.store.ChannelByTypeAndConfig(ctx, org.ID, "whatsapp", "phone_number", to)
	if err != nil {
		h.logger.Warn("whatsapp webhook for unknown channel", "org", orgSlug, "to", to)
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	}

	meta := map[string]any{
		"from":         from,
		"profile_name": r.PostForm.Get("ProfileName"),
		"message_sid":  r.PostForm.Get("MessageSid"),
	}

	convID, err := h.store.GetOrCreateConversation(ctx, org.ID, ch.ID, from, meta)
	if err != nil {
		h.logger.Error("failed to resolve conversation", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if _, err := h.store.AppendMessage(ctx, org.ID, convID, "user", body, meta); err != nil {
		h.logger.Error("failed to persist inbound message", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	// The message is persisted at this point. A non-2xx here would make
	// Twilio redeliver the webhook, so enqueue failures are logged and the
	// delivery is still acknowledged.
	jobID, err := h.dispatcher.AddMessageJob(ctx, core.MessageJob{
		OrganizationID: org.ID,
		ChannelID:      ch.ID,
		ConversationID: convID,
		Content:        body,
		Metadata:       meta,
	})
	if err != nil {
		h.logger.Error("failed to queue message job", "error", err, "conversation_id", convID)
	} else {
		h.logger.Info("whatsapp message queued", "org", orgSlug, "conversation_id", convID, "job_id", jobID)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, emptyTwiML)
}

// requestURL rebuilds the absolute URL Twilio signed, trusting the
// forwarding proxy's scheme header when present.
func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
