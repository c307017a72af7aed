/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the studio front desk

ROUTE GROUPS:
  /api/occurrences/*    Classes, bookings, class cancellation
  /api/registrations/*  Customer cancellation and refund quotes
  /api/wallets/*        Wallet balance and top-ups
  /api/passes           Class passes
  /api/memberships      Memberships
  /api/scenarios/*      Demo scenarios (server.demo_scenarios only)
  /healthz              Liveness

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

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/occurrences", func(r chi.Router) {
			r.Post("/", h.CreateOccurrence)
			r.Post("/cancel", h.BulkCancelOccurrences)
			r.Get("/{id}", h.GetOccurrence)
			r.Get("/{id}/payment-options", h.GetPaymentOptions)
			r.Post("/{id}/bookings", h.CreateBooking)
			r.Post("/{id}/cancel", h.CancelOccurrence)
		})

		r.Route("/registrations", func(r chi.Router) {
			r.Get("/{id}", h.GetRegistration)
			r.Post("/{id}/cancel", h.CancelRegistration)
			r.Get("/{id}/refund-quote", h.GetRefundQuote)
		})

		r.Route("/wallets/{org}/{customer}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Post("/credits", h.CreditWallet)
		})

		r.Post("/passes", h.CreatePass)
		r.Post("/memberships", h.CreateMembership)

		if h.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
