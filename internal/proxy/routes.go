package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/dream-interpreter/internal/auth"
	"github.com/vnmchuo/dream-interpreter/internal/logging"
)

// Routes mounts the public and authenticated endpoints.
func Routes(h *Handler, authMiddleware auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.Middleware)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"dream-interpreter"}`))
	})
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/interpretations/stream", h.HandleInterpretation)
		r.Post("/v1/guidance/stream", h.HandleGuidance)

		r.Get("/v1/credits", h.HandleCredits)
		r.Post("/v1/credits/daily-bonus", h.HandleDailyBonus)
		r.Post("/v1/referrals", h.HandleReferral)
		r.Get("/v1/usage", h.HandleUsage)

		r.Get("/v1/journal", h.HandleListJournal)
		r.Post("/v1/journal", h.HandleCreateJournal)
		r.Delete("/v1/journal/{id}", h.HandleDeleteJournal)
	})

	return r
}
