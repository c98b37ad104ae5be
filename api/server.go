/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request log (method, path, status, duration, request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends
  6. RateLimit:  Token bucket per client address (API routes only)

ROUTE GROUPS:
  /api/availability/*   Slot generation
  /api/bookings/*       Booking saga, cancellation, updates
  /api/ledger/*         Balances, history, top-ups, verification
  /api/schedules/*      Weekly pattern, exceptions, policy
  /api/mentors/*, /api/services/*, /api/admin/*   Administration
  /api/scenarios/*      Demo scenarios (RouterOptions.Scenarios, admin for writes)
  /healthz              Liveness and store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, rate limiting, actor headers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins  []string
	RateLimitPerMin int  // 0 disables rate limiting
	Scenarios       bool // demo scenario routes; off in production
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerUserID, headerRoles},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.Use(newRateLimiter(opts.RateLimitPerMin, h.Logger).Handler)
		}

		r.Get("/availability/{ownerId}", h.GetAvailability)

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Get("/", h.ListBookings)
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Put("/{id}", h.UpdateBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
		})

		// Ledger routes
		r.Route("/ledger/{userId}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
			r.Post("/credits", h.AddCredits)
			r.Post("/verify", h.VerifyLedger)
		})

		// Schedule routes
		r.Route("/schedules/{ownerId}", func(r chi.Router) {
			r.Get("/", h.GetSchedule)
			r.Put("/", h.PutSchedule)
		})

		// Admin routes
		r.Put("/mentors/{id}", h.PutMentor)
		r.Put("/services/{id}", h.PutService)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
			r.Post("/audit", h.Audit)
		})

		// Scenario routes
		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
