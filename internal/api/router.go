package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the control-plane API.
//
// Route layout:
//
//	GET /healthz            – liveness probe (no authentication required)
//	GET /api/v1/stats       – engine/queue counters
//	GET /api/v1/patterns    – Grimoire hot-tier pattern catalogue
//	GET /api/v1/alerts      – recent alerts, paginated by time range
//
// jwtSecret is the HMAC key used to verify HS256 Bearer tokens on all
// /api/v1 routes. Pass nil to disable authentication (cmd/sentineld passes
// nil when the api.jwt_secret config key is empty).
func NewRouter(srv *Server, jwtSecret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if jwtSecret != nil {
			r.Use(JWTMiddleware(jwtSecret))
		}

		r.Get("/stats", srv.handleGetStats)
		r.Get("/patterns", srv.handleGetPatterns)
		r.Get("/alerts", srv.handleGetAlerts)
	})

	return r
}
