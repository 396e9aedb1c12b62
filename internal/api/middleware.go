package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/appointment"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	actorKey     contextKey = "actor"
)

// RequestIDMiddleware adds a unique request ID to each request context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs method, path, status, duration and request ID for
// every request.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Str("request_id", GetRequestID(r.Context())).
				Msg("request")
		})
	}
}

// ActorMiddleware reads the identity the authentication collaborator put on
// the request. The values are trusted as-is; verifying them is that
// collaborator's job, not ours.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idHeader := r.Header.Get("X-Actor-Id")
		roleHeader := r.Header.Get("X-Actor-Role")
		if idHeader == "" && roleHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := uuid.Parse(idHeader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "X-Actor-Id must be a valid UUID")
			return
		}
		role, err := appointment.ParseRole(roleHeader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_role", "X-Actor-Role must be patient or doctor")
			return
		}

		actor := appointment.Actor{ID: id, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ActorFromContext returns the acting identity, if any was supplied.
func ActorFromContext(ctx context.Context) (appointment.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(appointment.Actor)
	return actor, ok
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
