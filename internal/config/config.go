package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/bulletin-weather-service/internal/bulletin"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

// DefaultBulletinURL is the national forecast bulletin on the public FTP mirror.
const DefaultBulletinURL = "ftp://ftp2.bom.gov.au/anon/gen/fwo/IDA00100.dat"

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	BulletinURL       string
	BulletinTimeout   time.Duration
	BulletinUserAgent string

	City          string
	TrackedCities []string
	Lexicon       models.Lexicon

	CacheBackend       string // "in_memory", "file", "memcached" or "sqlite"
	CacheTTL           time.Duration
	CachePath          string
	CacheKey           string // entry key for memcached and sqlite
	StalenessReference string

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedItemBytes    int // server item size limit (memcached -I)

	SQLitePath string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryUnbounded bool

	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	RequestTimeout  time.Duration
	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout time.Duration

	RefreshInterval time.Duration // 0 disables the scheduled refresher

	DegradedWindow   time.Duration
	DegradedErrorPct int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Bulletin struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"bulletin"`

	Weather struct {
		City          string   `yaml:"city"`
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"weather"`

	// Conditions is kept as a node so mapping order survives decoding.
	Conditions yaml.Node `yaml:"conditions"`

	Cache struct {
		Backend            string `yaml:"backend"`
		TTL                string `yaml:"ttl"`
		Path               string `yaml:"path"`
		Key                string `yaml:"key"`
		StalenessReference string `yaml:"staleness_reference"`
		Memcached          struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			MaxItemBytes int    `yaml:"max_item_bytes"`
		} `yaml:"memcached"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RetryUnbounded          bool   `yaml:"retry_unbounded"`
		CircuitFailureThreshold int    `yaml:"circuit_failure_threshold"`
		CircuitSuccessThreshold int    `yaml:"circuit_success_threshold"`
		CircuitTimeout          string `yaml:"circuit_timeout"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Request struct {
		Timeout         string `yaml:"timeout"`
		Coalesce        *bool  `yaml:"coalesce"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"request"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Refresh struct {
		Interval string `yaml:"interval"`
	} `yaml:"refresh"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev). A .env file in the
// working directory is loaded first when present; real environment variables win over it.
// Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.BulletinURL = envOr("BULLETIN_URL", fc.Bulletin.URL)
	if cfg.BulletinURL == "" {
		cfg.BulletinURL = DefaultBulletinURL
	}
	cfg.BulletinTimeout = parseDurationOrZero(fc.Bulletin.Timeout, 10*time.Second)
	cfg.BulletinUserAgent = strings.TrimSpace(fc.Bulletin.UserAgent)

	cfg.City = envOr("WEATHER_CITY", fc.Weather.City)
	if cfg.City == "" {
		cfg.City = "Sydney"
	}
	cfg.TrackedCities = fc.Weather.TrackedCities
	if len(cfg.TrackedCities) == 0 {
		cfg.TrackedCities = []string{cfg.City}
	}

	cfg.Lexicon, err = decodeLexicon(&fc.Conditions)
	if err != nil {
		return nil, err
	}

	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "file"
	}
	cfg.CacheTTL = parseDurationOrZero(fc.Cache.TTL, 10*time.Minute)
	cfg.CachePath = envOr("CACHE_PATH", fc.Cache.Path)
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join("data", "weather_data")
	}
	cfg.CacheKey = strings.TrimSpace(fc.Cache.Key)
	if cfg.CacheKey == "" {
		cfg.CacheKey = "latest"
	}
	cfg.StalenessReference = strings.ToLower(strings.TrimSpace(fc.Cache.StalenessReference))
	if cfg.StalenessReference == "" {
		cfg.StalenessReference = "now"
	}

	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.MemcachedItemBytes = fc.Cache.Memcached.MaxItemBytes
	if cfg.MemcachedItemBytes <= 0 {
		cfg.MemcachedItemBytes = 1 << 20
	}
	cfg.SQLitePath = strings.TrimSpace(fc.Cache.SQLite.Path)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join("data", "bulletins.db")
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, time.Second)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 30*time.Second)
	cfg.RetryUnbounded = fc.Reliability.RetryUnbounded
	cfg.CircuitFailureThreshold = fc.Reliability.CircuitFailureThreshold
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = 5
	}
	cfg.CircuitSuccessThreshold = fc.Reliability.CircuitSuccessThreshold
	if cfg.CircuitSuccessThreshold <= 0 {
		cfg.CircuitSuccessThreshold = 1
	}
	cfg.CircuitTimeout = parseDuration(fc.Reliability.CircuitTimeout, time.Minute)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.CoalesceEnabled = true
	if fc.Request.Coalesce != nil {
		cfg.CoalesceEnabled = *fc.Request.Coalesce
	}
	cfg.CoalesceTimeout = parseDuration(fc.Request.CoalesceTimeout, cfg.RequestTimeout)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.RefreshInterval = parseDurationOrZero(fc.Refresh.Interval, cfg.CacheTTL)
	if cfg.RefreshInterval < 0 {
		cfg.RefreshInterval = 0
	}

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeLexicon reads the conditions mapping in document order. An absent or empty
// mapping yields the built-in lexicon.
func decodeLexicon(node *yaml.Node) (models.Lexicon, error) {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return bulletin.DefaultLexicon(), nil
	}
	if node.Kind != yaml.MappingNode {
		return models.Lexicon{}, fmt.Errorf("conditions must be a mapping of match text to icon key (line %d)", node.Line)
	}
	if len(node.Content) == 0 {
		return bulletin.DefaultLexicon(), nil
	}
	entries := make([]models.LexiconEntry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return models.Lexicon{}, fmt.Errorf("conditions entry at line %d must map text to an icon key", k.Line)
		}
		match := strings.ToLower(strings.TrimSpace(k.Value))
		if match == "" {
			return models.Lexicon{}, fmt.Errorf("conditions entry at line %d has an empty match", k.Line)
		}
		entries = append(entries, models.LexiconEntry{Match: match, Icon: strings.TrimSpace(v.Value)})
	}
	return models.NewLexicon(entries), nil
}

// envOr returns the trimmed env value for key, or the trimmed fallback when unset.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above the bulletin
// timeout if needed.
func validate(cfg *Config) error {
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", cfg.CacheTTL)
	}
	if cfg.BulletinTimeout <= 0 {
		return fmt.Errorf("bulletin.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.BulletinTimeout {
		cfg.RequestTimeout = cfg.BulletinTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "file", "memcached", "sqlite":
	default:
		return fmt.Errorf("cache.backend must be in_memory, file, memcached or sqlite, got %q", cfg.CacheBackend)
	}
	switch cfg.StalenessReference {
	case "now", "scheduled":
	default:
		return fmt.Errorf("cache.staleness_reference must be now or scheduled, got %q", cfg.StalenessReference)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	return nil
}
