package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
)

// BulletinSource is satisfied by FreshnessCache. Declared here so the warmer can be
// tested with a fake.
type BulletinSource interface {
	EnsureFresh(ctx context.Context) (models.Bulletin, error)
}

// CacheWarmer keeps the bulletin cache fresh on a schedule so request paths rarely pay
// for a fetch.
type CacheWarmer struct {
	source   BulletinSource
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer. Each run is bounded by timeout (0 = no bound).
func NewCacheWarmer(source BulletinSource, interval, timeout time.Duration, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{source: source, interval: interval, timeout: timeout, logger: logger}
}

// Warm runs one refresh check.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	start := time.Now()
	b, err := w.source.EnsureFresh(ctx)
	if err != nil {
		observability.ScheduledRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	observability.ScheduledRefreshTotal.WithLabelValues("success").Inc()
	w.logger.Debug("cache warm",
		zap.Time("fetched_at", b.FetchedAt),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Start schedules Warm every interval, beginning immediately. Runs never overlap.
func (w *CacheWarmer) Start() error {
	if w.interval <= 0 {
		return errors.New("cache warming interval must be positive")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return errors.New("cache warmer already started")
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(w.interval).Do(func() {
		if err := w.Warm(context.Background()); err != nil {
			w.logger.Warn("scheduled cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	s.StartAsync()
	w.scheduler = s
	w.logger.Info("cache warming scheduled", zap.Duration("interval", w.interval))
	return nil
}

// Stop cancels future runs. A run in progress is allowed to finish.
func (w *CacheWarmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		w.scheduler.Stop()
		w.scheduler = nil
	}
}
