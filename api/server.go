/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers (rate limiting keys on it)
  3. Logger:     One logrus entry per request
  4. Metrics:    Prometheus request counter and latency histogram
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /health                       Liveness (+ database ping)
  /metrics                      Prometheus scrape endpoint
  /api/webhooks/stripe          Processor events, authenticated by signature
  /api/connections/*            Connection lifecycle          (bearer token)
  /api/leads/*                  Lead submission and claims    (bearer token)
  /api/transactions/*           Ledger history and balance    (bearer token)

  Everything under /api is rate limited when LEADX_RATE_LIMIT_* is set.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go:     Bearer token sessions
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/lead-exchange/config"
)

// RouterOptions carries the transport settings that do not belong to Handler.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimit      config.RateLimitConfig
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(h.Metrics.Instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimit(opts.RateLimit))

		// Signed by the processor, not by us
		r.Post("/webhooks/stripe", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)
			r.Use(h.RequireStore)

			// Connection routes
			r.Route("/connections", func(r chi.Router) {
				r.Get("/", h.ListConnections)
				r.Post("/", h.CreateConnection)
				r.Get("/{id}", h.GetConnection)
				r.Patch("/{id}", h.UpdateConnection)
			})

			// Lead routes
			r.Route("/leads", func(r chi.Router) {
				r.Post("/", h.SubmitLead)
				r.Get("/{id}", h.GetLead)
				r.Post("/{id}/claim", h.ClaimLead)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", h.ListTransactions)
				r.Get("/balance", h.GetBalance)
			})
		})
	})

	return r
}
