package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/bulletin"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
	"github.com/kjstillabower/bulletin-weather-service/internal/traffic"
)

// BulletinSource supplies a bulletin no older than its TTL. Implemented by cache.FreshnessCache.
type BulletinSource interface {
	EnsureFresh(ctx context.Context) (models.Bulletin, error)
}

// WeatherService turns the cached bulletin into per-city snapshots for the rendering layer.
type WeatherService struct {
	source    BulletinSource
	lexicon   models.Lexicon
	city      string
	coalescer *requestCoalescer // nil when coalescing is disabled
}

// NewWeatherService creates a WeatherService. city is the default city used by Update.
// coalesceEnabled and coalesceTimeout configure request coalescing (disabled if timeout 0).
func NewWeatherService(source BulletinSource, lexicon models.Lexicon, city string, coalesceEnabled bool, coalesceTimeout time.Duration) *WeatherService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &WeatherService{
		source:    source,
		lexicon:   lexicon,
		city:      city,
		coalescer: coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// City returns the configured default city.
func (s *WeatherService) City() string { return s.city }

// Update returns the snapshot for the configured city.
func (s *WeatherService) Update(ctx context.Context) (models.WeatherSnapshot, error) {
	return s.UpdateCity(ctx, s.city)
}

// UpdateCity ensures the bulletin is fresh, extracts the record for city and maps it to a
// snapshot. The caller receives a complete snapshot or an error, never partial data.
func (s *WeatherService) UpdateCity(ctx context.Context, city string) (models.WeatherSnapshot, error) {
	key := normalizeCity(city)
	if key == "" {
		return models.WeatherSnapshot{}, fmt.Errorf("update: %w: empty city", bulletin.ErrRecordNotFound)
	}
	if s.coalescer == nil {
		return s.update(ctx, key)
	}

	start := time.Now()
	snap, shared, err := s.coalescer.GetOrDo(ctx, key, func() (models.WeatherSnapshot, error) {
		// Shared by every waiter, so it must not die with the first caller's request.
		updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.coalescer.timeout)
		defer cancel()
		return s.update(updateCtx, key)
	})
	if shared {
		observability.UpdateCoalescedTotal.Inc()
		if logger := loggerFromContext(ctx); logger != nil {
			logger.Debug("update coalesced", zap.String("city", key), zap.Duration("wait", time.Since(start)))
		}
	}
	return snap, err
}

func (s *WeatherService) update(ctx context.Context, key string) (models.WeatherSnapshot, error) {
	start := time.Now()
	logger := loggerFromContext(ctx)
	name := bulletin.TitleCase(key)

	b, err := s.source.EnsureFresh(ctx)
	if err != nil {
		s.recordFailure(name, "fetch_error")
		return models.WeatherSnapshot{}, fmt.Errorf("update %s: %w", name, err)
	}

	record, err := bulletin.Extract(b.Body, name)
	if err != nil {
		s.recordFailure(name, "not_found")
		return models.WeatherSnapshot{}, fmt.Errorf("update %s: %w", name, err)
	}
	snap, err := bulletin.ToSnapshot(name, record, s.lexicon)
	if err != nil {
		s.recordFailure(name, "not_found")
		return models.WeatherSnapshot{}, fmt.Errorf("update %s: %w", name, err)
	}
	snap.FetchedAt = b.FetchedAt

	observability.RecordUpdate(name, "success")
	traffic.RecordSuccess()
	if logger != nil {
		logger.Debug("snapshot served",
			zap.String("city", name),
			zap.String("icon", snap.IconKey),
			zap.Time("fetched_at", b.FetchedAt),
			zap.Duration("duration", time.Since(start)))
	}
	return snap, nil
}

// recordFailure counts a failed update. Unknown cities are caller errors and do not
// count against health.
func (s *WeatherService) recordFailure(city, status string) {
	observability.RecordUpdate(city, status)
	if status != "not_found" {
		traffic.RecordError()
	}
}

// IsNotFound reports whether err means the city has no record in the bulletin.
func IsNotFound(err error) bool {
	return errors.Is(err, bulletin.ErrRecordNotFound)
}

// normalizeCity trims whitespace and lowercases the city so coalescing and metrics use one key.
func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
