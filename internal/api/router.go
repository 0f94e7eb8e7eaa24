package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medinexa/clinic-queue/internal/queue"
)

type RouterConfig struct {
	Service   *queue.Service
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	JWTSecret string
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware)

	// Health and metrics, unauthenticated
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated API
	r.Group(func(r chi.Router) {
		r.Use(Authenticator(cfg.JWTSecret))

		// Patient-facing
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RolePatient))
			r.Get("/clinics", listClinicsHandler(cfg.Service))
			r.Post("/appointments", bookAppointmentHandler(cfg.Service))
			r.Get("/appointments", listMyAppointmentsHandler(cfg.Service))
			r.Get("/appointments/{id}/wait", waitEstimateHandler(cfg.Service))
			r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		})

		// Clinic-facing
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleClinic))
			r.Post("/clinics", registerClinicHandler(cfg.Service))
			r.Get("/clinic/queue", clinicBoardHandler(cfg.Service))
			r.Post("/clinic/queue/call-next", callNextHandler(cfg.Service))
			r.Post("/clinic/queue/complete", completeCurrentHandler(cfg.Service))
			r.Put("/clinic/settings", updateSettingsHandler(cfg.Service))
		})
	})

	return r
}
