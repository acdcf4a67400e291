package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/crm-agents/internal/api/handlers"
	"github.com/agentoven/crm-agents/internal/api/middleware"
	"github.com/agentoven/crm-agents/internal/config"
)

const serviceName = "crm-agents"

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Identity)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentId}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Delete("/", h.DeleteAgent)
				r.Post("/publish", h.PublishAgent)
				r.Post("/enable", h.EnableAgent)
				r.Post("/disable", h.DisableAgent)
				r.Post("/run", h.RunAgent)
				r.Get("/versions", h.ListAgentVersions)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.ListExecutions)
			r.Route("/{executionId}", func(r chi.Router) {
				r.Get("/", h.GetExecution)
				r.Get("/logs", h.GetExecutionLogs)
				r.Get("/logs/stream", h.StreamExecutionLogs)
			})
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Route("/{alertId}", func(r chi.Router) {
				r.Get("/", h.GetAlert)
				r.Post("/acknowledge", h.AcknowledgeAlert)
				r.Post("/dismiss", h.DismissAlert)
				r.Post("/suggested-actions/{actionId}/execute", h.ExecuteSuggestedAction)
			})
		})

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", h.ListActions)
			r.Route("/{actionId}", func(r chi.Router) {
				r.Get("/", h.GetAction)
				r.Post("/approve", h.ApproveAction)
				r.Post("/reject", h.RejectAction)
			})
		})

		r.Route("/pending-actions", func(r chi.Router) {
			r.Get("/", h.ListPendingActions)
			r.Post("/{pendingId}/complete", h.CompletePendingAction)
		})

		r.Post("/events", h.RaiseEvent)
		r.Get("/triggers", h.ListTriggers)
		r.Post("/triggers/reload", h.ReloadTriggers)
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		handlers.WriteJSON(w, code, map[string]string{
			"status":  status,
			"service": serviceName,
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
