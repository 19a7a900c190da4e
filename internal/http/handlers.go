package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/lifecycle"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
	"github.com/kjstillabower/bulletin-weather-service/internal/service"
	"github.com/kjstillabower/bulletin-weather-service/internal/traffic"
	"github.com/kjstillabower/bulletin-weather-service/internal/validation"
)

// City name bounds for GET /weather/{city}.
const (
	cityMinLength = 2
	cityMaxLength = 64
)

// SnapshotProvider is satisfied by service.WeatherService.
type SnapshotProvider interface {
	Update(ctx context.Context) (models.WeatherSnapshot, error)
	UpdateCity(ctx context.Context, city string) (models.WeatherSnapshot, error)
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache backend reachability.
	CachePing func(ctx context.Context) error
	// CircuitState, when set, reports the fetcher's breaker state (closed, open, half-open).
	CircuitState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          SnapshotProvider
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(weather SnapshotProvider, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:      weather,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetWeather handles GET /weather for the configured city.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	snap, err := h.weather.Update(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetCityWeather handles GET /weather/{city}.
func (h *Handler) GetCityWeather(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], cityMinLength, cityMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	snap, err := h.weather.UpdateCity(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"bulletin": "healthy"}
	if result.status == "degraded" || result.status == lifecycle.StatusStarting {
		checks["bulletin"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing(r.Context()) == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.CircuitState != nil {
		checks["circuit"] = h.healthConfig.CircuitState()
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	switch lifecycle.Status() {
	case lifecycle.StatusShuttingDown:
		return healthResult{lifecycle.StatusShuttingDown, http.StatusServiceUnavailable, "signal"}
	case lifecycle.StatusStarting:
		return healthResult{lifecycle.StatusStarting, http.StatusServiceUnavailable, "no_bulletin_loaded"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps an update failure to a response. A city missing from the bulletin
// is 404; anything else means no bulletin could be obtained.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger, _ := r.Context().Value("logger").(*zap.Logger)
	switch {
	case service.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, "RECORD_NOT_FOUND", "City not found in bulletin")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Timed out fetching bulletin")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather bulletin")
	}
	if logger != nil {
		logger.Debug("update failed", zap.Error(err))
	}
}
