/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the counter and admin frontends
  5. RequireRole per route group (auth.go)

ROUTE GROUPS:
  /api/auth/*       public, login
  /api/counter/*    counter role
  /api/coupons/*    counter or admin role
  /api/admin/*      admin role
  /api/scenarios/*  admin role, demo data
  /healthz          public
  /metrics          public, Prometheus

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

// RouterOptions carries the deployment-specific bits of the router.
type RouterOptions struct {
	CORSOrigins []string

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// DisableScenarios leaves out the demo routes, which can wipe the store.
	DisableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/counter", h.CounterLogin)
			r.Post("/admin", h.AdminLogin)
		})

		r.Route("/counter", func(r chi.Router) {
			r.Use(h.Auth.RequireRole(RoleCounter))
			r.Get("/me", h.Me)
			r.Post("/redemptions", h.Redeem)
		})

		r.Route("/coupons", func(r chi.Router) {
			r.Use(h.Auth.RequireRole(RoleCounter, RoleAdmin))
			r.Get("/{id}", h.GetCoupon)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.Auth.RequireRole(RoleAdmin))

			r.Route("/coupons", func(r chi.Router) {
				r.Get("/", h.ListCoupons)
				r.Post("/", h.IssueCoupon)
				r.Put("/{id}/balance", h.AdjustBalance)
				r.Post("/{id}/expire", h.ExpireCoupon)
				r.Get("/{id}/audit", h.ListAudit)
			})

			r.Route("/counters", func(r chi.Router) {
				r.Get("/", h.ListCounters)
				r.Post("/", h.CreateCounter)
				r.Put("/{id}", h.UpdateCounter)
				r.Delete("/{id}", h.DeleteCounter)
			})

			r.Post("/reconcile", h.Reconcile)
		})

		if !opts.DisableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Use(h.Auth.RequireRole(RoleAdmin))
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetData)
			})
		}
	})

	return r
}
