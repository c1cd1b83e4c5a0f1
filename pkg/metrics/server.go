package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tgingest/pkg/logger"
)

// Router serves /metrics from m and a /healthz liveness probe
func Router(m *Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// StartServer serves Router(m) on addr until ctx is done. The returned channel
// is closed once the server has stopped.
func StartServer(ctx context.Context, log logger.Logger, addr string, m *Metrics) <-chan struct{} {
	log = log.WithField("component", "metrics")
	srv := &http.Server{
		Addr:         addr,
		Handler:      Router(m),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Graceful shutdown failed")
		}
		close(done)
	}()

	go func() {
		log.InfoWithFields("Metrics server started", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server stopped")
		}
		close(stopped)
	}()
	return done
}
