package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

type fakeSource struct {
	calls atomic.Int32
	err   error
}

func (s *fakeSource) EnsureFresh(ctx context.Context) (models.Bulletin, error) {
	s.calls.Add(1)
	if s.err != nil {
		return models.Bulletin{}, s.err
	}
	return models.Bulletin{Body: testBody, FetchedAt: time.Now()}, nil
}

func TestCacheWarmer_Warm(t *testing.T) {
	src := &fakeSource{}
	w := NewCacheWarmer(src, time.Minute, time.Second, nil)
	if err := w.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("EnsureFresh calls = %d, want 1", n)
	}
}

func TestCacheWarmer_WarmError(t *testing.T) {
	boom := errors.New("boom")
	w := NewCacheWarmer(&fakeSource{err: boom}, time.Minute, 0, nil)
	if err := w.Warm(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Warm() error = %v, want wrapped boom", err)
	}
}

func TestCacheWarmer_StartStop(t *testing.T) {
	src := &fakeSource{}
	w := NewCacheWarmer(src, 20*time.Millisecond, time.Second, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := src.calls.Load(); n < 2 {
		t.Fatalf("EnsureFresh calls = %d, want at least 2", n)
	}
}

func TestCacheWarmer_StartRejectsZeroInterval(t *testing.T) {
	w := NewCacheWarmer(&fakeSource{}, 0, 0, nil)
	if err := w.Start(); err == nil {
		t.Error("Start() expected error for zero interval")
	}
}
