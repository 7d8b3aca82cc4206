package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"wizardchat/internal/handlers"
	"wizardchat/internal/metrics"
	"wizardchat/internal/middleware"
	"wizardchat/pkg/logging"
)

type Options struct {
	Chat   *handlers.ChatHandler
	Ritual *handlers.RitualHandler

	// RequestTimeout bounds /api/chat, which waits for the full reply.
	RequestTimeout time.Duration
	RateLimit      middleware.RateLimitConfig
	MaxBodyBytes   int64

	// Health is checked by /healthz, e.g. a redis ping. Optional.
	Health func(ctx context.Context) error
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 512 * 1024
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimit))
		r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

		r.Get("/modes", opts.Chat.Modes)
		r.With(middleware.Timeout(opts.RequestTimeout)).Post("/chat", opts.Chat.Chat)

		// polling calls return at once
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))
			r.Post("/ritual", opts.Ritual.Start)
			r.Get("/ritual/{id}", opts.Ritual.Status)
			r.Delete("/ritual/{id}", opts.Ritual.Cancel)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Health(ctx); err != nil {
				logging.L(r.Context()).Warn("health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
