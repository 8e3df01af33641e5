/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     logrus request logging tagged with the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/principals   Registration (public)
  /api/scenarios/*  Demo data loaders (non-production only)
  /api/leave/*      Any authenticated principal
  /api/manager/*    Authenticated managers
  /healthz          Liveness + storage ping
  /metrics          Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticate / RequireManager
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/leave-engine/logger"
	"github.com/warp/leave-engine/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Scenarios mounts the demo scenario loaders.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(logger.New("http")))
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/principals", h.RegisterPrincipal)

		if opts.Scenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			r.Route("/leave", func(r chi.Router) {
				r.Post("/apply", h.ApplyLeave)
				r.Get("/my", h.MyLeaves)
				r.Get("/balance", h.MyBalance)
				r.Patch("/cancel/{id}", h.CancelLeave)
				r.Get("/journal", h.MyJournal)
			})

			r.Route("/manager", func(r chi.Router) {
				r.Use(h.RequireManager)

				r.Get("/team", h.Team)
				r.Get("/leaves", h.TeamLeaves)
				r.Get("/calendar", h.TeamCalendar)
				r.Get("/history", h.TeamHistory)
				r.Get("/leave/history.xlsx", h.ExportTeamHistory)
				r.Patch("/leave/approve/{id}", h.ApproveLeave)
				r.Patch("/leave/reject/{id}", h.RejectLeave)
				r.Get("/balance/{employeeId}", h.EmployeeBalance)
				r.Patch("/balance/{employeeId}", h.SetEmployeeBalance)
				r.Get("/audit", h.TeamAudit)
			})
		})
	})

	return r
}
