package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// RouterConfig carries the cross-cutting pieces of the HTTP surface.
type RouterConfig struct {
	Logger         *zap.Logger
	AdminSecret    string
	RateLimiter    *redis.RateLimiter // nil disables ingestion rate limiting
	RequestTimeout time.Duration
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.With(RateLimitMiddleware(cfg.RateLimiter, cfg.Logger, "events", IPKeyFunc)).
			Post("/events", h.CreateEvent)

		r.Route("/users/{userId}", func(r chi.Router) {
			r.Get("/preferences", h.GetPreferences)
			r.Put("/preferences", h.UpdatePreferences)
			r.Get("/inbox", h.GetInbox)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(cfg.AdminSecret, cfg.Logger))

			r.Get("/notifications", h.ListNotifications)
			r.Get("/notifications/{id}", h.GetNotification)
			r.Post("/notifications/{id}/retry", h.RetryNotification)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				cfg.Logger.Warn("readiness check failed", zap.Error(err))
				h.writeError(w, http.StatusServiceUnavailable, "not_ready", "Service Unavailable", err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
