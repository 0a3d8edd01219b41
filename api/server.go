/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/users/*        Wallet reads and writes
  /api/payments/*     Payment-gateway boundary
  /api/referrals/*    Referral signup and lookup
  /api/activities/*   Qualifying activity events
  /api/admin/*        Settlement, reconciliation, program settings
  /metrics            Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. metrics may be
// nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/credits", h.AddCredits)
			r.Post("/debits", h.DeductCredits)
		})

		r.Post("/payments/confirmed", h.PaymentConfirmed)

		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.CreateReferral)
			r.Get("/{id}", h.GetReferral)
		})

		r.Route("/activities", func(r chi.Router) {
			r.Post("/", h.RecordActivity)
			r.Post("/completed", h.ActivityCompleted)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/settlement/run", h.RunSettlement)
			r.Post("/referrals/reconcile", h.ReconcileReferrals)
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
			r.Get("/referral-program", h.GetProgram)
			r.Put("/referral-program", h.UpdateProgram)
		})
	})

	return r
}
