// Package server exposes the local control API used by the game: authorization,
// prediction control, the notification feed, health and metrics. Every request
// carries a correlation id in its context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 64 << 10

// NewRouter returns the HTTP handler with all routes.
func NewRouter(h *Handlers, controlToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(correlate)
	r.Use(limitBody(maxBodyBytes))

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(controlAuth(controlToken))

		r.Get("/messages", h.HandleMessages)

		r.Route("/auth/twitch", func(r chi.Router) {
			r.Post("/start", h.HandleAuthStart)
			r.Get("/status", h.HandleAuthStatus)
		})

		r.Route("/predictions", func(r chi.Router) {
			r.Post("/", h.HandlePredictionCreate)
			r.Post("/resolve", h.HandlePredictionResolve)
			r.Post("/cancel", h.HandlePredictionCancel)
			r.Get("/current", h.HandlePredictionCurrent)
			r.Get("/history", h.HandlePredictionHistory)
		})
	})
	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Prediction calls wait up to 15s on Twitch.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("control api listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
