package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

// inFlightUpdate tracks a single update that multiple callers may wait for.
type inFlightUpdate struct {
	done   chan struct{}
	result models.WeatherSnapshot
	err    error
}

// requestCoalescer lets concurrent callers for the same city share one update.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightUpdate
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightUpdate),
		timeout:  timeout,
	}
}

// GetOrDo runs fn for key unless an update for key is already in flight, in which case it
// waits for that result. shared is true when the caller joined an existing update.
// Waiting is bounded by the coalescer timeout and ctx; fn keeps running for other waiters.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.WeatherSnapshot, error)) (result models.WeatherSnapshot, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightUpdate{done: make(chan struct{})}
		rc.inFlight[key] = req
		go func() {
			req.result, req.err = fn()
			rc.mu.Lock()
			delete(rc.inFlight, key)
			rc.mu.Unlock()
			close(req.done)
		}()
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return models.WeatherSnapshot{}, exists, waitCtx.Err()
	}
}
