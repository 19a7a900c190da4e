package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/client"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
)

// ErrCacheUnavailable is returned when the bulletin still cannot be read back after refreshing.
var ErrCacheUnavailable = errors.New("bulletin cache unavailable")

// maxReadAttempts bounds how often EnsureFresh reads the store in one call. Every
// failed read except the last is followed by a refresh.
const maxReadAttempts = 3

// StalenessReference selects the instant a stored timestamp is compared against.
type StalenessReference string

const (
	// ReferenceNow compares against the current time: stale once now - fetchedAt >= ttl.
	ReferenceNow StalenessReference = "now"
	// ReferenceScheduled compares against the next scheduled update instead of now:
	// stale once nextUpdate - fetchedAt > ttl, and refreshes are stamped with nextUpdate.
	// A bulletin can be served up to one extra TTL past its age limit.
	ReferenceScheduled StalenessReference = "scheduled"
)

// ParseStalenessReference accepts "now" or "scheduled" (empty means now).
func ParseStalenessReference(s string) (StalenessReference, error) {
	switch StalenessReference(s) {
	case "", ReferenceNow:
		return ReferenceNow, nil
	case ReferenceScheduled:
		return ReferenceScheduled, nil
	default:
		return "", fmt.Errorf("staleness reference must be now or scheduled, got %q", s)
	}
}

// BulletinFetcher retrieves the raw bulletin.
type BulletinFetcher = client.BulletinFetcher

// Options configures a FreshnessCache.
type Options struct {
	TTL       time.Duration
	Reference StalenessReference
	Logger    *zap.Logger
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// FreshnessCache serves the persisted bulletin while it is younger than the TTL and
// refreshes it through the fetcher otherwise. Calls are serialized; the store has a
// single writer.
type FreshnessCache struct {
	mu         sync.Mutex
	store      Store
	fetcher    BulletinFetcher
	ttl        time.Duration
	reference  StalenessReference
	nextUpdate time.Time
	now        func() time.Time
	logger     *zap.Logger
}

// NewFreshnessCache returns a FreshnessCache whose first scheduled update is now + ttl.
func NewFreshnessCache(store Store, fetcher BulletinFetcher, opts Options) *FreshnessCache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ref := opts.Reference
	if ref == "" {
		ref = ReferenceNow
	}
	return &FreshnessCache{
		store:      store,
		fetcher:    fetcher,
		ttl:        opts.TTL,
		reference:  ref,
		nextUpdate: now().Add(opts.TTL),
		now:        now,
		logger:     logger,
	}
}

// EnsureFresh returns a bulletin that is not older than the TTL, refreshing the store when
// the entry is stale, missing or unreadable. Corrupt entries are deleted before refreshing.
// Fetch errors are returned as is.
func (c *FreshnessCache) EnsureFresh(ctx context.Context) (models.Bulletin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := c.referenceTime()
	var lastErr error
	for attempt := 1; ; attempt++ {
		b, err := c.store.Load(ctx)
		if err == nil && !c.expired(ref, b.FetchedAt) {
			observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
			c.served(b)
			return b, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Bulletin{}, ctxErr
		}
		lastErr = c.classify(ctx, b, err)

		if attempt >= maxReadAttempts {
			break
		}
		if err := c.refresh(ctx, ref); err != nil {
			return models.Bulletin{}, err
		}
	}
	return models.Bulletin{}, fmt.Errorf("%w after %d reads: %w", ErrCacheUnavailable, maxReadAttempts, lastErr)
}

// classify records why a read could not be served and deletes corrupt entries.
func (c *FreshnessCache) classify(ctx context.Context, b models.Bulletin, err error) error {
	switch {
	case err == nil:
		observability.CacheLookupsTotal.WithLabelValues("stale").Inc()
		c.logger.Info("cached bulletin expired, refreshing",
			zap.Time("fetched_at", b.FetchedAt), zap.Duration("ttl", c.ttl))
		return fmt.Errorf("bulletin fetched at %s is stale", b.FetchedAt.Format(time.RFC3339))
	case errors.Is(err, ErrCacheMiss):
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		c.logger.Info("no cached bulletin, refreshing", zap.String("store", c.store.Name()))
	case errors.Is(err, ErrCorruptEntry):
		observability.CacheLookupsTotal.WithLabelValues("corrupt").Inc()
		c.logger.Warn("corrupt cache entry, deleting", zap.String("store", c.store.Name()), zap.Error(err))
		if delErr := c.store.Delete(ctx); delErr != nil {
			observability.CacheErrorsTotal.WithLabelValues(c.store.Name(), "delete").Inc()
			c.logger.Warn("delete corrupt cache entry", zap.Error(delErr))
		}
	default:
		observability.CacheErrorsTotal.WithLabelValues(c.store.Name(), "load").Inc()
		c.logger.Warn("cache read failed, refreshing", zap.String("store", c.store.Name()), zap.Error(err))
	}
	return err
}

// refresh fetches the bulletin and replaces the stored entry.
func (c *FreshnessCache) refresh(ctx context.Context, ref time.Time) error {
	start := c.now()
	stamp := start
	if c.reference == ReferenceScheduled {
		stamp = ref
	}
	b, err := client.Refresh(ctx, c.fetcher, c.store, stamp)
	if err != nil {
		if errors.Is(err, client.ErrPersist) {
			observability.CacheErrorsTotal.WithLabelValues(c.store.Name(), "save").Inc()
		}
		return err
	}
	elapsed := c.now().Sub(start)
	observability.CacheRefreshDuration.Observe(elapsed.Seconds())
	c.logger.Info("bulletin refreshed",
		zap.String("store", c.store.Name()),
		zap.Int("bytes", len(b.Body)),
		zap.Duration("duration", elapsed))
	return nil
}

func (c *FreshnessCache) referenceTime() time.Time {
	if c.reference == ReferenceScheduled {
		return c.nextUpdate
	}
	return c.now()
}

func (c *FreshnessCache) expired(ref, fetchedAt time.Time) bool {
	elapsed := ref.Sub(fetchedAt)
	if c.reference == ReferenceScheduled {
		return elapsed > c.ttl
	}
	return elapsed >= c.ttl
}

func (c *FreshnessCache) served(b models.Bulletin) {
	now := c.now()
	c.nextUpdate = now.Add(c.ttl)
	observability.BulletinAgeSeconds.Set(now.Sub(b.FetchedAt).Seconds())
}
