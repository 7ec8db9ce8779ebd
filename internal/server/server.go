package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/healthcheck"
	"github.com/Smalls1652/localllm-chat/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Options selects which HTTP servers Start launches.
type Options struct {
	PollInterval time.Duration
	Tracker      *healthcheck.Tracker
	Metrics      *metrics.Metrics
	HealthPort   int
	MetricsPort  int
	// APIAddr is the host:port of the control API. Empty disables it.
	APIAddr string
	API     *API
}

// Start launches the health, metrics and control API servers as configured.
// Servers shut down when ctx is done.
func Start(ctx context.Context, logger zerolog.Logger, opts Options) {
	if opts.API != nil && opts.APIAddr != "" {
		mux := http.NewServeMux()
		opts.API.Register(mux)
		registerHealthRoutes(mux, opts.Tracker, opts.PollInterval)
		registerMetricsRoute(mux, opts.Metrics)
		startServer(ctx, logger, mux, opts.APIAddr, "api")
	}

	healthPort, metricsPort := opts.HealthPort, opts.MetricsPort
	if healthPort == 0 && metricsPort == 0 {
		return
	}

	if healthPort > 0 && metricsPort > 0 && healthPort == metricsPort {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, opts.Tracker, opts.PollInterval)
		registerMetricsRoute(mux, opts.Metrics)
		startServer(ctx, logger, mux, portAddr(healthPort), "health/metrics")
		return
	}

	if healthPort > 0 {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, opts.Tracker, opts.PollInterval)
		startServer(ctx, logger, mux, portAddr(healthPort), "health")
	}

	if metricsPort > 0 {
		mux := http.NewServeMux()
		registerMetricsRoute(mux, opts.Metrics)
		startServer(ctx, logger, mux, portAddr(metricsPort), "metrics")
	}
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

func registerHealthRoutes(mux *http.ServeMux, tracker *healthcheck.Tracker, pollInterval time.Duration) {
	mux.HandleFunc("GET /healthz", healthcheck.LivenessHandler(tracker, pollInterval))
	mux.HandleFunc("GET /readyz", healthcheck.ReadinessHandler(tracker))
}

func registerMetricsRoute(mux *http.ServeMux, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	mux.Handle("GET /metrics", metricsCollector.Handler())
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, addr string, label string) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("server", label).Str("addr", addr).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", label).Str("addr", addr).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("server", label).Str("addr", addr).Msg("http server shutdown failed")
		}
	}()
}
