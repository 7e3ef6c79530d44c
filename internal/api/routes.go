// Package api exposes the engine's HTTP surface: the tick trigger, the
// enrollment endpoints, and health.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router. Everything under /api requires the
// shared engine secret as a bearer token; health stays open for load
// balancer checks.
func SetupRoutes(h *Handlers, engineSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireBearer(engineSecret))

		r.Post("/engine/tick", h.TriggerTick)

		r.Post("/enrollments", h.CreateEnrollment)
		r.Post("/enrollments/reply", h.HandleReply)
		r.Post("/enrollments/resume", h.ResumeEnrollment)
	})

	return r
}

// requireBearer guards routes with a constant-time check of the shared
// secret. An empty configured secret rejects everything rather than opening
// the engine to the world.
func requireBearer(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			if secret == "" || token == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
