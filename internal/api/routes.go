package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/mcsuite/mcs-orchestrator/internal/auth"
	"github.com/mcsuite/mcs-orchestrator/internal/config"
)

// SetupRoutes builds the router. Everything under /v1 carries the auth
// middleware; health and metrics stay open.
func SetupRoutes(h *Handlers, authCfg config.AuthConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			"X-API-Key", "X-Tenant-ID", "X-Scopes", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(authCfg))

		r.Route("/orchestrations/sales-email", func(r chi.Router) {
			r.Post("/run", h.RunSalesEmail)
			r.Post("/replay", h.Replay)
			r.Post("/manual-review/submit", h.SubmitManualReview)
			r.Get("/runs/{run_id}", h.GetRun)
		})

		r.Route("/listener", func(r chi.Router) {
			r.Post("/trigger/poll", h.TriggerPoll)
			r.Get("/status", h.ListenerStatus)
			r.Post("/webhook", h.WebhookInbound)
		})
	})

	return r
}

// requestID assigns a UUID correlation ID unless the caller sent one. The
// ID is echoed on the response for operator lookup.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
