package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/ais-feed-cache/internal/core/middleware"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/router"
)

// Routes builds the HTTP surface.
func Routes(cfg config.Config, logger *slog.Logger, handler router.FeedHandler, ready health.ReadinessReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(ready))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v2/nsjson", router.HandleFeed(logger, cfg, "/v2/nsjson", router.ParseNSJSON, handler))
	r.Get("/v1/ais", router.HandleFeed(logger, cfg, "/v1/ais", router.ParseAIS, handler))
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler router.FeedHandler, ready health.ReadinessReporter) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Routes(cfg, logger, handler, ready),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// multi-day builds stream for minutes
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
