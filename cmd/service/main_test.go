package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/cache"
	"github.com/kjstillabower/bulletin-weather-service/internal/client"
	"github.com/kjstillabower/bulletin-weather-service/internal/config"
	httphandler "github.com/kjstillabower/bulletin-weather-service/internal/http"
	"github.com/kjstillabower/bulletin-weather-service/internal/lifecycle"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

const sampleBulletin = "IDA00100\n" +
	"Sydney#x#y#22#Mostly sunny.#\n" +
	"Hobart#x#y#11#Rain at times.#\n"

func newBulletinServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(sampleBulletin))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// setupWorkdir writes config/dev.yaml into a temp dir and chdirs there.
func setupWorkdir(t *testing.T, bulletinURL string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := "weather:\n  city: Sydney\ncache:\n  backend: file\n  ttl: 10m\n" +
		"reliability:\n  retry_max_attempts: 2\n  retry_base_delay: 10ms\n  retry_max_delay: 20ms\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "dev.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	for _, k := range []string{"ENV_NAME", "WEATHER_CITY", "CACHE_BACKEND", "MEMCACHED_ADDRS"} {
		t.Setenv(k, "")
	}
	t.Setenv("BULLETIN_URL", bulletinURL)
	t.Setenv("CACHE_PATH", filepath.Join(dir, "data", "weather_data"))
	t.Setenv("LOG_LEVEL", "ERROR")

	origWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	return dir
}

func runSnapshot(t *testing.T, args ...string) (models.WeatherSnapshot, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"snapshot"}, args...))
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		return models.WeatherSnapshot{}, err
	}
	var snap models.WeatherSnapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		t.Fatalf("snapshot output %q: %v", out.String(), err)
	}
	return snap, nil
}

// TestSnapshotCommand verifies the full pipeline: fetch, persist, reuse within TTL.
func TestSnapshotCommand(t *testing.T) {
	srv, hits := newBulletinServer(t)
	dir := setupWorkdir(t, srv.URL+"/IDA00100.dat")

	snap, err := runSnapshot(t)
	if err != nil {
		t.Fatalf("snapshot error = %v", err)
	}
	if snap.City != "Sydney" || snap.Temperature != "22" || snap.IconKey != "partly-cloudy" {
		t.Errorf("snapshot = %+v", snap)
	}

	snap, err = runSnapshot(t, "hobart")
	if err != nil {
		t.Fatalf("snapshot hobart error = %v", err)
	}
	if snap.City != "Hobart" || snap.IconKey != "rain" {
		t.Errorf("snapshot = %+v", snap)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("bulletin fetches = %d, want 1 (second run served from cache file)", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "weather_data")); err != nil {
		t.Errorf("cache file not written: %v", err)
	}
}

func TestSnapshotCommand_Errors(t *testing.T) {
	srv, _ := newBulletinServer(t)
	setupWorkdir(t, srv.URL+"/IDA00100.dat")

	if _, err := runSnapshot(t, "Atlantis"); err == nil {
		t.Error("snapshot for unknown city error = nil")
	}
	if _, err := runSnapshot(t, "Syd#ney"); err == nil {
		t.Error("snapshot for invalid city error = nil")
	}
}

func TestRouter(t *testing.T) {
	srv, _ := newBulletinServer(t)
	setupWorkdir(t, srv.URL+"/IDA00100.dat")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.close()

	lifecycle.SetReady(true)
	defer lifecycle.SetReady(false)
	h := httphandler.NewHandler(a.weather, &httphandler.HealthConfig{CircuitState: a.circuitState}, zap.NewNop())
	router := newRouter(h, zap.NewNop(), nil, time.Second)

	tests := []struct {
		path string
		want int
	}{
		{"/weather", http.StatusOK},
		{"/weather/Hobart", http.StatusOK},
		{"/weather/Atlantis", http.StatusNotFound},
		{"/weather/x", http.StatusBadRequest},
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("GET %s status = %d, want %d", tc.path, w.Code, tc.want)
		}
		if w.Header().Get("X-Correlation-ID") == "" {
			t.Errorf("GET %s missing X-Correlation-ID", tc.path)
		}
	}
}

func TestReadySource(t *testing.T) {
	srv, _ := newBulletinServer(t)
	setupWorkdir(t, srv.URL)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.close()

	lifecycle.SetReady(false)
	defer lifecycle.SetReady(false)
	w := cache.NewCacheWarmer(readySource{a.freshness}, time.Minute, time.Second, nil)
	if err := w.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if !lifecycle.IsReady() {
		t.Error("IsReady() = false after a successful load")
	}
}

func TestWarmTimeout(t *testing.T) {
	cfg := &config.Config{RetryAttempts: 3, BulletinTimeout: 10 * time.Second, RetryMaxDelay: 5 * time.Second, CacheTTL: time.Hour}
	if got, want := warmTimeout(cfg), 46*time.Second; got != want {
		t.Errorf("warmTimeout() = %v, want %v", got, want)
	}
	cfg.RetryUnbounded = true
	if got := warmTimeout(cfg); got != time.Hour {
		t.Errorf("warmTimeout(unbounded) = %v, want TTL", got)
	}
	if got := refreshInterval(&config.Config{CacheTTL: time.Minute}); got != time.Minute {
		t.Errorf("refreshInterval() = %v, want TTL fallback", got)
	}
}

func TestMaxBulletinBytes(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
		want int
	}{
		{"file", &config.Config{CacheBackend: "file"}, client.DefaultMaxBulletinBytes},
		{"memcached default item", &config.Config{CacheBackend: "memcached", MemcachedItemBytes: 1 << 20}, (1 << 20) - 1024},
		{"memcached large item", &config.Config{CacheBackend: "memcached", MemcachedItemBytes: 4 << 20}, (4 << 20) - 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxBulletinBytes(tt.cfg); got != tt.want {
				t.Errorf("maxBulletinBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}
