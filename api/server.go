/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  Structured access log (middleware.go)
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the offerer portal

ROUTE GROUPS:
  /api/bookings/*       Beneficiary booking operations
  /api/users/*          Expense summary
  /api/pro/*            Offerer operations on bookings and stocks
  /api/admin/*          Admin operations
  /api/scenarios/*      Demo catalogs (only with a FeedStore)
  /metrics              Prometheus scrape endpoint
  /health               Liveness and store connectivity

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{token}", h.GetBookingByToken)
			r.Post("/{id}/cancel", h.CancelBookingByBeneficiary)
		})

		r.Get("/users/{id}/expenses", h.GetUserExpenses)

		r.Route("/pro", func(r chi.Router) {
			r.Route("/bookings", func(r chi.Router) {
				r.Post("/{id}/cancel", h.CancelBookingByOfferer)
				r.Post("/{id}/use", h.MarkBookingUsed)
				r.Post("/{id}/unuse", h.MarkBookingUnused)
			})
			r.Route("/stocks", func(r chi.Router) {
				r.Put("/{id}", h.EditStock)
				r.Delete("/{id}", h.DeleteStock)
				r.Post("/{id}/postpone", h.PostponeStock)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})

		if h.Feed != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
