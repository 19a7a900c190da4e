package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/bulletin-weather-service/internal/cache"
	"github.com/kjstillabower/bulletin-weather-service/internal/config"
	httphandler "github.com/kjstillabower/bulletin-weather-service/internal/http"
	"github.com/kjstillabower/bulletin-weather-service/internal/lifecycle"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
)

const inFlightCheckInterval = 50 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the scheduled bulletin refresher (default)",
	Args:  cobra.NoArgs,
	RunE:  serveAction,
}

func serveAction(cmd *cobra.Command, _ []string) error {
	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = observability.FlushTelemetry(context.Background(), logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}()

	observability.RegisterTrafficGauges(cfg.DegradedWindow)
	observability.SetTrackedCities(cfg.TrackedCities)

	warmer := cache.NewCacheWarmer(readySource{a.freshness}, refreshInterval(cfg), warmTimeout(cfg), logger)
	if cfg.RefreshInterval > 0 {
		if err := warmer.Start(); err != nil {
			return err
		}
		defer warmer.Stop()
	} else {
		// No schedule: still load once so /health leaves "starting".
		go func() {
			if err := warmer.Warm(ctx); err != nil {
				logger.Warn("initial bulletin load failed", zap.Error(err))
			}
		}()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(a.weather, &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		CachePing:        a.cachePing,
		CircuitState:     a.circuitState,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           newRouter(handler, logger, limiter, cfg.RequestTimeout),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	warmer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	logger.Info("shutdown complete")
	return nil
}

// newRouter mounts the HTTP surface. /weather routes are rate limited and bounded by the
// request timeout; /health and /metrics are not.
func newRouter(handler *httphandler.Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	weather := router.PathPrefix("/weather").Subrouter()
	weather.Use(httphandler.RateLimitMiddleware(limiter))
	weather.Use(httphandler.TimeoutMiddleware(requestTimeout))
	weather.HandleFunc("", handler.GetWeather).Methods("GET")
	weather.HandleFunc("/{city}", handler.GetCityWeather).Methods("GET")
	return router
}

// refreshInterval is the warmer period; a disabled schedule still needs a positive value
// for the one-off Warm call.
func refreshInterval(cfg *config.Config) time.Duration {
	if cfg.RefreshInterval > 0 {
		return cfg.RefreshInterval
	}
	return cfg.CacheTTL
}

// readySource marks the process ready after the first successful load.
type readySource struct {
	fresh *cache.FreshnessCache
}

func (s readySource) EnsureFresh(ctx context.Context) (models.Bulletin, error) {
	b, err := s.fresh.EnsureFresh(ctx)
	if err != nil {
		return b, err
	}
	lifecycle.SetReady(true)
	return b, nil
}
