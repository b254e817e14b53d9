/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request count and latency (when configured)
  5. CORS:       Cross-origin requests for the admin UI

ROUTE GROUPS:
  /api/units/*                    Unit seeding
  /api/formulas/*                 Formula lifecycle
  /api/rules/*                    Billing rules and resolution
  /api/interest-configurations/*  Late-payment policies
  /api/schedules/*                Schedules, manual generation, run logs
  /api/quotas/*                   Quotas and adjustments
  /api/admin/*                    Sweep, accrual, full cycle, cycle runs
  /api/scenarios/*                Demo scenarios
  /health                         Liveness (database ping)
  /metrics                        Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/condo/billing-engine/metrics"
)

// RouterOptions configures cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/units", func(r chi.Router) {
			r.Get("/", h.ListUnits)
			r.Post("/", h.SaveUnit)
		})

		r.Route("/formulas", func(r chi.Router) {
			r.Get("/", h.ListFormulas)
			r.Post("/", h.CreateFormula)
			r.Get("/{id}", h.GetFormula)
			r.Put("/{id}", h.UpdateFormula)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.SaveRule)
			r.Get("/effective", h.GetEffectiveRule)
		})

		r.Route("/interest-configurations", func(r chi.Router) {
			r.Get("/", h.ListInterestConfigurations)
			r.Post("/", h.SaveInterestConfiguration)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", h.ListSchedules)
			r.Post("/", h.SaveSchedule)
			r.Get("/due", h.ListDueSchedules)
			r.Get("/{id}", h.GetSchedule)
			r.Post("/{id}/generate", h.GenerateSchedule)
			r.Get("/{id}/logs", h.ListGenerationLogs)
		})

		r.Route("/quotas", func(r chi.Router) {
			r.Get("/", h.ListQuotas)
			r.Get("/{id}", h.GetQuota)
			r.Get("/{id}/adjustments", h.ListAdjustments)
			r.Post("/{id}/adjustments", h.CreateAdjustment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.RunSweep)
			r.Post("/accrue-interest", h.RunAccrual)
			r.Post("/run-cycle", h.RunCycle)
			r.Get("/cycle-runs", h.ListCycleRuns)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
