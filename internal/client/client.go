package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
)

// BulletinFetcher retrieves the raw bulletin text.
type BulletinFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

var (
	ErrInvalidURL       = errors.New("invalid bulletin URL")
	ErrBulletinNotFound = errors.New("bulletin not found")
	ErrRejected         = errors.New("request rejected by bulletin source")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrEmptyBulletin    = errors.New("empty bulletin")
	ErrBulletinTooLarge = errors.New("bulletin too large")
	// ErrFetchExhausted is returned once the retry budget is spent. It wraps the last attempt's error.
	ErrFetchExhausted = errors.New("bulletin fetch retries exhausted")
)

// DefaultMaxBulletinBytes caps the body read from the source when Options.MaxBytes is unset.
const DefaultMaxBulletinBytes = 8 << 20

// Options configures a BulletinClient.
type Options struct {
	URL     string
	Timeout time.Duration // per attempt

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RetryUnbounded keeps retrying until success or ctx is done, ignoring RetryAttempts.
	RetryUnbounded bool

	// MaxBytes caps the body size. Set it below the storage backend's item limit.
	MaxBytes int

	UserAgent string
	Logger    *zap.Logger
}

// BulletinClient fetches the bulletin over HTTP(S) or anonymous FTP, retrying transport
// failures with exponential backoff.
type BulletinClient struct {
	url            *url.URL
	transport      transport
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	unbounded      bool
	breaker        *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewBulletinClient validates the URL and picks a transport from its scheme.
func NewBulletinClient(opts Options) (*BulletinClient, error) {
	u, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBulletinBytes
	}
	tr, err := newTransport(u, opts.Timeout, opts.UserAgent, opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BulletinClient{
		url:            u,
		transport:      tr,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		unbounded:      opts.RetryUnbounded,
		logger:         logger,
	}, nil
}

// SetCircuitBreaker wraps every attempt in cb. Open-circuit rejections are retried after backoff.
func (c *BulletinClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Transport returns the transport name ("http" or "ftp").
func (c *BulletinClient) Transport() string {
	return c.transport.name()
}

// Fetch returns the bulletin body. Retryable failures are retried until one attempt
// succeeds, the budget is spent (ErrFetchExhausted) or ctx is done.
func (c *BulletinClient) Fetch(ctx context.Context) (string, error) {
	var lastErr error
	attempt := 0
	for ; c.unbounded || attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.BulletinFetchRetriesTotal.Inc()
			if err := sleep(ctx, c.calculateBackoff(attempt)); err != nil {
				return "", err
			}
		}

		body, err := c.attempt(ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err
		category := CategorizeError(err)
		observability.BulletinFetchErrorsTotal.WithLabelValues(string(category)).Inc()
		c.logger.Warn("bulletin fetch failed",
			zap.Int("attempt", attempt+1),
			zap.String("transport", c.transport.name()),
			zap.String("category", string(category)),
			zap.Error(err))

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", err
		}
	}

	observability.BulletinFetchExhaustedTotal.Inc()
	return "", fmt.Errorf("%w after %d attempts: %w", ErrFetchExhausted, attempt, lastErr)
}

func (c *BulletinClient) attempt(ctx context.Context) (string, error) {
	if c.breaker == nil {
		return c.fetchOnce(ctx)
	}
	var body string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.fetchOnce(ctx)
		return err
	})
	return body, err
}

func (c *BulletinClient) fetchOnce(ctx context.Context) (string, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.transport.get(reqCtx, c.url)
	if err == nil && strings.TrimSpace(body) == "" {
		err = ErrEmptyBulletin
	}

	status := "success"
	if err != nil {
		status = string(CategorizeError(err))
	}
	observability.BulletinFetchesTotal.WithLabelValues(c.transport.name(), status).Inc()
	observability.BulletinFetchDuration.WithLabelValues(c.transport.name(), status).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return body, nil
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrBulletinNotFound), errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidURL):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	// Transport failures, 5xx, 429, empty or oversized bodies and open circuits.
	return true
}

func (c *BulletinClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}
