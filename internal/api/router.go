package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/parley-ai/parley/internal/api/handlers"
	"github.com/parley-ai/parley/internal/api/middleware"
	"github.com/parley-ai/parley/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, ws http.HandlerFunc) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Websocket channel (upgraded connections bypass SSE buffering concerns)
	if ws != nil {
		r.Get("/ws", ws)
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Chat pipeline
		r.Post("/chat", h.Chat)
		r.Post("/chat/stream", h.ChatStream)

		// Sessions & history
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Get("/messages", h.ListSessionMessages)
			r.Get("/conversations", h.ListSessionConversations)
			r.Get("/run", h.GetRun)
		})

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
			})
		})

		// Workspace identity
		r.Route("/workspace", func(r chi.Router) {
			r.Get("/settings", h.GetWorkspaceSettings)
			r.Put("/settings", h.PutWorkspaceSettings)
		})

		// Knowledge base
		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/", h.ListKnowledge)
			r.Post("/", h.CreateKnowledge)
			r.Delete("/{id}", h.DeleteKnowledge)
		})

		// Provider & routing configuration
		r.Route("/providers", func(r chi.Router) {
			r.Get("/profiles", h.ListProviderProfiles)
			r.Post("/profiles", h.CreateProviderProfile)
			r.Put("/profiles/{id}", h.UpdateProviderProfile)
			r.Delete("/profiles/{id}", h.DeleteProviderProfile)
			r.Get("/config", h.GetLegacyProviderConfig)
			r.Put("/config", h.SetLegacyProviderConfig)
		})
		r.Route("/routing", func(r chi.Router) {
			r.Get("/capabilities", h.ListCapabilityRoutes)
			r.Put("/capabilities", h.UpsertCapabilityRoute)
			r.Delete("/capabilities/{capability}", h.DeleteCapabilityRoute)
			r.Get("/rules", h.ListRoutingRules)
			r.Post("/rules", h.CreateRoutingRule)
			r.Delete("/rules/{id}", h.DeleteRoutingRule)
			r.Get("/constraints", h.GetModelConstraints)
			r.Put("/constraints", h.SetModelConstraints)
		})

		// Usage & billing export
		r.Get("/usage", h.ListUsage)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "parley-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "parley-gateway",
		})
	}
}
