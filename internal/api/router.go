package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hackgods/clinic-slot-reservation/internal/auth"
	"github.com/hackgods/clinic-slot-reservation/internal/booking"
	"github.com/hackgods/clinic-slot-reservation/internal/telemetry"
)

type RouterConfig struct {
	Service  *booking.Service
	Reaper   *booking.Reaper
	Verifier *auth.Verifier
	Postgres Pinger // nil when running on the memory store
	Redis    Pinger // nil when shard locks are disabled
	Metrics  *telemetry.HTTPMetrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(cfg.Metrics.Middleware)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler(cfg.Gatherer))

	h := &handlers{svc: cfg.Service, reaper: cfg.Reaper, logger: cfg.Logger}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifier))
		r.Use(RequireCaller)

		r.Post("/appointments", h.book)
		r.Post("/reservations", h.reserve)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/confirm", h.confirm)
		r.Post("/appointments/{id}/reject", h.reject)
		r.Post("/appointments/{id}/check-in", h.checkIn)
		r.Post("/appointments/{id}/complete", h.complete)
		r.Post("/appointments/{id}/cancel", h.cancel)

		r.Get("/checks/closure", h.checkClosure)
		r.Get("/checks/duplicate", h.checkDuplicate)
		r.Get("/checks/conflict", h.checkConflict)

		r.Get("/schedules/{doctorID}/{date}", h.getSchedule)

		r.With(RequireRole(auth.RoleAdmin)).Post("/internal/reap", h.reap)
	})

	return otelhttp.NewHandler(r, "clinic-api")
}
