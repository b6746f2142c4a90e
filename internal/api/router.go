package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mobilize/integrity-api/internal/auth"
	"mobilize/integrity-api/internal/ratelimit"
)

// RouterDeps carries the cross-cutting pieces the router mounts around the
// handlers. Throttle and Metrics may be nil.
type RouterDeps struct {
	Issuer   *auth.Issuer
	Throttle *ratelimit.IPThrottle
	Metrics  http.Handler
}

// NewRouter creates and returns a configured Chi router.
func NewRouter(h *Handler, deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(auth.Authenticate(deps.Issuer))

	// ── Health check ──────────────────────────────────────────────────────────
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{"status": "ok", "service": "integrity-api"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// ── Smart-link redirect (public, throttled per IP) ────────────────────────
	r.Group(func(r chi.Router) {
		if deps.Throttle != nil {
			r.Use(ratelimit.Middleware(deps.Throttle))
		}
		r.Get("/r/{linkID}", h.Redirect)
	})

	// ── API v1 ────────────────────────────────────────────────────────────────
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.Throttle != nil {
				r.Use(ratelimit.Middleware(deps.Throttle))
			}
			r.Post("/track", h.TrackClick)
		})
		r.Get("/links/{linkID}/clicks", h.GetClickCount)

		r.Group(func(r chi.Router) {
			r.Use(auth.Required)

			r.Get("/trust-scores/{userID}", h.GetTrustScore)

			// Admin triage and review
			r.Route("/admin", func(r chi.Router) {
				r.Get("/flagged-users", h.ListFlaggedUsers)
				r.Post("/reviews", h.ReviewFlag)
				r.Post("/trust-scores/{userID}", h.RegisterUser)
				r.Get("/reports/integrity", h.GetIntegrityReport)
				r.Delete("/links/{linkID}/fingerprints", h.ForgetVisitors)
			})
		})
	})

	return r
}

// requestLogger is a minimal structured-logging middleware.
// It replaces chi's default Logger to emit slog records.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
