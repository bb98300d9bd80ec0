package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sevigo/chat-relay/internal/config"
	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/server/handler"
	"github.com/sevigo/chat-relay/internal/storage"
)

// NewRouter creates and configures a new HTTP router with middleware and API routes.
func NewRouter(cfg *config.Config, store storage.Store, dispatcher core.JobDispatcher, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api/webhooks", func(r chi.Router) {
		whatsappHandler := handler.NewWhatsAppHandler(cfg, store, dispatcher, logger)
		r.Post("/whatsapp/{orgSlug}", whatsappHandler.Handle)

		slackHandler := handler.NewSlackHandler(logger)
		r.Post("/slack/events", slackHandler.Handle)
	})

	return r
}
