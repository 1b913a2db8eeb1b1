package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-reservation/internal/appointment"
)

type RouterConfig struct {
	Service        *appointment.Service
	PgPool         Pinger
	Redis          *redis.Client
	Logger         zerolog.Logger
	Gatherer       prometheus.Gatherer
	RateLimitRPS   float64
	RateLimitBurst int
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	svc := cfg.Service
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", createAppointmentHandler(svc))
			r.Get("/", listAppointmentsHandler(svc))
			r.Get("/{id}", getAppointmentHandler(svc))
			r.Patch("/{id}", updateAppointmentHandler(svc))
			r.Get("/{id}/bills", listAppointmentBillsHandler(svc))
			r.Post("/{id}/check-in", checkInHandler(svc))
			r.Post("/{id}/complete", completeAppointmentHandler(svc))
			r.Post("/{id}/cancel", cancelAppointmentHandler(svc))
			r.Post("/{id}/no-show", noShowHandler(svc))
		})

		r.Get("/availability", availabilityHandler(svc))
		r.Get("/doctors/{id}/slots", listSlotsHandler(svc))

		r.Route("/bills", func(r chi.Router) {
			r.Post("/", createBillHandler(svc))
			r.Get("/{id}", getBillHandler(svc))
			r.Post("/{id}/pay", payBillHandler(svc))
			r.Post("/{id}/cancel", cancelBillHandler(svc))
		})
	})

	return r
}
