package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

const keyPrefix = "bulletin:"

// maxRelativeExp is the longest expiration memcached treats as relative (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// DefaultMemcachedItemBytes is memcached's default item size limit (-I 1m).
const DefaultMemcachedItemBytes = 1 << 20

// memcachedItemHeader approximates memcached's per-item bookkeeping bytes.
const memcachedItemHeader = 64

// memcachedBodyReserve is reserved for the key, item header and timestamp line.
const memcachedBodyReserve = 1 << 10

// ErrEntryTooLarge is returned when an encoded bulletin exceeds the backend's item limit.
var ErrEntryTooLarge = errors.New("cache entry too large")

// MemcachedMaxBody returns the largest bulletin body that fits in an item of itemBytes.
func MemcachedMaxBody(itemBytes int) int {
	if itemBytes <= 0 {
		itemBytes = DefaultMemcachedItemBytes
	}
	return itemBytes - memcachedBodyReserve
}

// MemcachedStore persists the bulletin as one memcached item in the two-line cache
// format. Item expiry only reclaims memory; freshness is decided from the timestamp.
type MemcachedStore struct {
	client    *memcache.Client
	key       string
	retention time.Duration
	maxValue  int
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero; itemBytes defaults to DefaultMemcachedItemBytes.
func NewMemcachedStore(addrs, key string, retention, timeout time.Duration, maxIdleConns, itemBytes int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if key == "" {
		key = "latest"
	}
	if itemBytes <= 0 {
		itemBytes = DefaultMemcachedItemBytes
	}
	key = keyPrefix + key
	return &MemcachedStore{
		client:    client,
		key:       key,
		retention: retention,
		maxValue:  itemBytes - len(key) - memcachedItemHeader,
	}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemcachedStore) Name() string { return "memcached" }

func (s *MemcachedStore) Load(ctx context.Context) (models.Bulletin, error) {
	if err := ctx.Err(); err != nil {
		return models.Bulletin{}, err
	}
	item, err := s.client.Get(s.key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.Bulletin{}, ErrCacheMiss
		}
		return models.Bulletin{}, err
	}
	return DecodeBulletin(item.Value)
}

func (s *MemcachedStore) Save(ctx context.Context, b models.Bulletin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value := EncodeBulletin(b)
	if len(value) > s.maxValue {
		return fmt.Errorf("%w: %d bytes, memcached limit %d", ErrEntryTooLarge, len(value), s.maxValue)
	}
	return s.client.Set(&memcache.Item{
		Key:        s.key,
		Value:      value,
		Expiration: expirationSeconds(s.retention),
	})
}

func (s *MemcachedStore) Delete(ctx context.Context) error {
	if err := s.client.Delete(s.key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// expirationSeconds converts retention to a relative memcached expiry; 0 means no expiry.
func expirationSeconds(retention time.Duration) int32 {
	sec := int64(retention / time.Second)
	if sec <= 0 {
		return 0
	}
	if sec > maxRelativeExp {
		return maxRelativeExp
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
