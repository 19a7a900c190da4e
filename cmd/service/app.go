package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/cache"
	"github.com/kjstillabower/bulletin-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/bulletin-weather-service/internal/client"
	"github.com/kjstillabower/bulletin-weather-service/internal/config"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
	"github.com/kjstillabower/bulletin-weather-service/internal/service"
)

const fetcherComponent = "bulletin_fetcher"

// app is the wired pipeline shared by the serve and snapshot commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *client.BulletinClient
	breaker   *circuitbreaker.CircuitBreaker
	store     cache.Store
	freshness *cache.FreshnessCache
	weather   *service.WeatherService

	// cachePing is set for backends with a remote dependency.
	cachePing  func(ctx context.Context) error
	closeStore func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	bc, err := client.NewBulletinClient(client.Options{
		URL:            cfg.BulletinURL,
		Timeout:        cfg.BulletinTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		RetryUnbounded: cfg.RetryUnbounded,
		MaxBytes:       maxBulletinBytes(cfg),
		UserAgent:      cfg.BulletinUserAgent,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bulletin client: %w", err)
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		Timeout:          cfg.CircuitTimeout,
		Component:        fetcherComponent,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker transition",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	bc.SetCircuitBreaker(cb)
	observability.CircuitBreakerState.WithLabelValues(fetcherComponent).Set(0)

	a := &app{cfg: cfg, logger: logger, client: bc, breaker: cb}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	ref, err := cache.ParseStalenessReference(cfg.StalenessReference)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.freshness = cache.NewFreshnessCache(a.store, bc, cache.Options{
		TTL:       cfg.CacheTTL,
		Reference: ref,
		Logger:    logger,
	})
	a.weather = service.NewWeatherService(a.freshness, cfg.Lexicon, cfg.City, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	logger.Info("pipeline ready",
		zap.String("transport", bc.Transport()),
		zap.String("cache_backend", a.store.Name()),
		zap.Duration("ttl", cfg.CacheTTL),
		zap.String("staleness_reference", string(ref)),
		zap.String("city", cfg.City),
		zap.Int("lexicon_entries", cfg.Lexicon.Len()))
	return a, nil
}

// maxBulletinBytes caps fetched bodies so they fit the configured backend.
func maxBulletinBytes(cfg *config.Config) int {
	if cfg.CacheBackend == "memcached" {
		return cache.MemcachedMaxBody(cfg.MemcachedItemBytes)
	}
	return client.DefaultMaxBulletinBytes
}

// openStore selects the persistence backend named by cache.backend.
func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.CacheBackend {
	case "memcached":
		// Entries outlive the TTL so a stale read is classified rather than missed.
		mc := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.CacheKey, 3*cfg.CacheTTL, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.MemcachedItemBytes)
		a.store = mc
		a.cachePing = func(context.Context) error { return mc.Ping() }
		a.closeStore = mc.Close
	case "sqlite":
		st, err := cache.OpenSQLiteStore(ctx, cfg.SQLitePath, cfg.CacheKey)
		if err != nil {
			return fmt.Errorf("sqlite cache: %w", err)
		}
		a.store = st
		a.closeStore = st.Close
	case "in_memory":
		a.store = cache.NewMemoryStore()
	default:
		fs, err := cache.NewFileStore(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("file cache: %w", err)
		}
		a.store = fs
	}
	return nil
}

func (a *app) close() error {
	if a.closeStore == nil {
		return nil
	}
	return a.closeStore()
}

// circuitState reports the breaker state for the health endpoint.
func (a *app) circuitState() string {
	return a.breaker.State().String()
}

// warmTimeout bounds one scheduled refresh: every retry plus backoff must fit.
func warmTimeout(cfg *config.Config) time.Duration {
	if cfg.RetryUnbounded {
		return cfg.CacheTTL
	}
	return time.Duration(cfg.RetryAttempts)*(cfg.BulletinTimeout+cfg.RetryMaxDelay) + time.Second
}
