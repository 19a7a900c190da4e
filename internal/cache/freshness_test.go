package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/bulletin-weather-service/internal/client"
	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

const testBody = "IDA00100\nSydney#xx#yy#22#Mostly sunny.#\n"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	body  string
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.body, nil
}

func (f *countingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// corruptStore always fails to decode, simulating persistent corruption.
type corruptStore struct {
	MemoryStore
	deletes int
}

func (s *corruptStore) Load(ctx context.Context) (models.Bulletin, error) {
	return models.Bulletin{}, ErrCorruptEntry
}

func (s *corruptStore) Delete(ctx context.Context) error {
	s.deletes++
	return nil
}

func newTestCache(store Store, fetcher BulletinFetcher, clock *fakeClock, ref StalenessReference) *FreshnessCache {
	return NewFreshnessCache(store, fetcher, Options{TTL: 10 * time.Minute, Reference: ref, Now: clock.Now})
}

// TestEnsureFresh_FreshnessInvariant verifies that no fetch happens while the last
// refresh is younger than the TTL, and exactly one happens once it is not.
func TestEnsureFresh_FreshnessInvariant(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fetcher := &countingFetcher{body: testBody}
	c := newTestCache(NewMemoryStore(), fetcher, clock, ReferenceNow)

	if _, err := c.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if n := fetcher.Calls(); n != 1 {
		t.Fatalf("fetches after first call = %d, want 1", n)
	}

	for _, step := range []time.Duration{time.Minute, 4 * time.Minute, 4*time.Minute + 59*time.Second} {
		clock.Advance(step)
		b, err := c.EnsureFresh(ctx)
		if err != nil {
			t.Fatalf("EnsureFresh() error = %v", err)
		}
		if b.Body != testBody {
			t.Errorf("Body = %q", b.Body)
		}
	}
	if n := fetcher.Calls(); n != 1 {
		t.Fatalf("fetches within TTL = %d, want 1", n)
	}

	clock.Advance(time.Second) // exactly ttl since the refresh
	if _, err := c.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if n := fetcher.Calls(); n != 2 {
		t.Errorf("fetches after TTL = %d, want 2", n)
	}
}

// TestEnsureFresh_ScheduledReference shows the scheduled reference serving a bulletin past
// its TTL because the comparison uses the previous next-update instant.
func TestEnsureFresh_ScheduledReference(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	start := clock.Now()
	fetcher := &countingFetcher{body: testBody}
	store := NewMemoryStore()
	c := newTestCache(store, fetcher, clock, ReferenceScheduled)

	b, err := c.EnsureFresh(ctx)
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if want := start.Add(10 * time.Minute); !b.FetchedAt.Equal(want) {
		t.Errorf("FetchedAt = %v, want stamp at next update %v", b.FetchedAt, want)
	}

	clock.Advance(12 * time.Minute)
	if _, err := c.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if n := fetcher.Calls(); n != 1 {
		t.Fatalf("fetches at 12m = %d, want 1 (served one TTL late)", n)
	}

	clock.Advance(13 * time.Minute)
	if _, err := c.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if n := fetcher.Calls(); n != 2 {
		t.Errorf("fetches at 25m = %d, want 2", n)
	}
}

// TestEnsureFresh_CorruptionRecovery verifies that a cache file with a non-numeric first
// line is deleted and replaced by a refresh rather than failing the call.
func TestEnsureFresh_CorruptionRecovery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "weather_data")
	if err := os.WriteFile(path, []byte("not a number\nold body\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	clock := newFakeClock()
	fetcher := &countingFetcher{body: testBody}
	c := newTestCache(store, fetcher, clock, ReferenceNow)

	b, err := c.EnsureFresh(ctx)
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if b.Body != testBody {
		t.Errorf("Body = %q, want refreshed body", b.Body)
	}
	if n := fetcher.Calls(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, err := DecodeBulletin(raw); err != nil || got.Body != testBody {
		t.Errorf("cache file after recovery = %q (%v)", raw, err)
	}
}

// TestEnsureFresh_RoundTrip verifies the body written by a refresh is returned unchanged
// from a later cache hit served from disk by a new cache instance.
func TestEnsureFresh_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "weather_data")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	clock := newFakeClock()
	fetcher := &countingFetcher{body: testBody}
	if _, err := newTestCache(store, fetcher, clock, ReferenceNow).EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}

	clock.Advance(time.Minute)
	second := &countingFetcher{body: "should not be fetched"}
	b, err := newTestCache(store, second, clock, ReferenceNow).EnsureFresh(ctx)
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if b.Body != testBody {
		t.Errorf("Body = %q, want %q", b.Body, testBody)
	}
	if second.Calls() != 0 {
		t.Errorf("fresh entry on disk should not trigger a fetch")
	}
}

func TestEnsureFresh_FetchErrorPropagates(t *testing.T) {
	fetchErr := errors.New("fetch exhausted")
	clock := newFakeClock()
	c := newTestCache(NewMemoryStore(), &countingFetcher{err: fetchErr}, clock, ReferenceNow)

	_, err := c.EnsureFresh(context.Background())
	if !errors.Is(err, fetchErr) {
		t.Errorf("EnsureFresh() error = %v, want wrapped fetch error", err)
	}
}

type failingSaveStore struct {
	MemoryStore
	err error
}

func (s *failingSaveStore) Save(ctx context.Context, b models.Bulletin) error { return s.err }

func TestEnsureFresh_SaveErrorPropagates(t *testing.T) {
	saveErr := errors.New("read-only filesystem")
	c := newTestCache(&failingSaveStore{err: saveErr}, &countingFetcher{body: testBody}, newFakeClock(), ReferenceNow)

	_, err := c.EnsureFresh(context.Background())
	if !errors.Is(err, client.ErrPersist) || !errors.Is(err, saveErr) {
		t.Errorf("EnsureFresh() error = %v, want persist error wrapping %v", err, saveErr)
	}
}

// TestEnsureFresh_PersistentCorruption verifies the read loop is bounded.
func TestEnsureFresh_PersistentCorruption(t *testing.T) {
	clock := newFakeClock()
	store := &corruptStore{}
	fetcher := &countingFetcher{body: testBody}
	c := newTestCache(store, fetcher, clock, ReferenceNow)

	_, err := c.EnsureFresh(context.Background())
	if !errors.Is(err, ErrCacheUnavailable) || !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("EnsureFresh() error = %v, want ErrCacheUnavailable wrapping ErrCorruptEntry", err)
	}
	if n := fetcher.Calls(); n != maxReadAttempts-1 {
		t.Errorf("fetches = %d, want %d", n, maxReadAttempts-1)
	}
	if store.deletes != maxReadAttempts {
		t.Errorf("deletes = %d, want %d", store.deletes, maxReadAttempts)
	}
}

func TestEnsureFresh_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestCache(NewMemoryStore(), &countingFetcher{body: testBody}, newFakeClock(), ReferenceNow)
	if _, err := c.EnsureFresh(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("EnsureFresh() error = %v, want context.Canceled", err)
	}
}

func TestEnsureFresh_ServingAdvancesNextUpdate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(NewMemoryStore(), &countingFetcher{body: testBody}, clock, ReferenceNow)

	if want := clock.Now().Add(10 * time.Minute); !c.nextUpdate.Equal(want) {
		t.Errorf("nextUpdate = %v, want %v", c.nextUpdate, want)
	}
	clock.Advance(4 * time.Minute)
	if _, err := c.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if want := clock.Now().Add(10 * time.Minute); !c.nextUpdate.Equal(want) {
		t.Errorf("nextUpdate after serving = %v, want %v", c.nextUpdate, want)
	}
}

func TestParseStalenessReference(t *testing.T) {
	tests := []struct {
		in      string
		want    StalenessReference
		wantErr bool
	}{
		{"", ReferenceNow, false},
		{"now", ReferenceNow, false},
		{"scheduled", ReferenceScheduled, false},
		{"later", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStalenessReference(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseStalenessReference(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// TestEnsureFresh_ConcurrentCallersShareRefresh verifies that serialized callers do not
// each trigger a fetch.
func TestEnsureFresh_ConcurrentCallersShareRefresh(t *testing.T) {
	clock := newFakeClock()
	fetcher := &countingFetcher{body: testBody}
	c := newTestCache(NewMemoryStore(), fetcher, clock, ReferenceNow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.EnsureFresh(context.Background()); err != nil {
				t.Errorf("EnsureFresh() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if n := fetcher.Calls(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}
