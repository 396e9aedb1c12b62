package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/engine"
)

type RouterConfig struct {
	Service      *engine.Service
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
	SSEHeartbeat time.Duration
	Logger       zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(ActorMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Appointment endpoints
	r.Post("/appointments", bookAppointmentHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/status", changeStatusHandler(cfg.Service))
	r.Delete("/appointments/{id}", cancelAppointmentHandler(cfg.Service))

	// Live view streams
	stream := NewStreamHandler(cfg.Service, cfg.SSEHeartbeat, cfg.Logger)
	r.Get("/patients/{id}/appointments/stream", stream.PatientStream)
	r.Get("/doctors/{id}/appointments/stream", stream.DoctorStream)

	return r
}
