package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	defaultUserAgent = "bulletin-weather-service/1.0"
	anonymousUser    = "anonymous"
	anonymousPass    = "anonymous"
)

// transport performs a single retrieval of the resource at u.
type transport interface {
	name() string
	get(ctx context.Context, u *url.URL) (string, error)
}

func newTransport(u *url.URL, timeout time.Duration, userAgent string, maxBytes int) (transport, error) {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	switch u.Scheme {
	case "http", "https":
		return &httpTransport{
			client:    &http.Client{Timeout: timeout},
			userAgent: userAgent,
			maxBytes:  maxBytes,
		}, nil
	case "ftp":
		return &ftpTransport{timeout: timeout, maxBytes: maxBytes}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
}

type httpTransport struct {
	client    *http.Client
	userAgent string
	maxBytes  int
}

func (t *httpTransport) name() string { return "http" }

func (t *httpTransport) get(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("User-Agent", t.userAgent)
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("request timeout: %w", err)
		}
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := handleErrorResponse(resp); err != nil {
		return "", err
	}
	return readBody(resp.Body, t.maxBytes)
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", ErrBulletinNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
}

// ftpTransport retrieves the bulletin with an anonymous FTP login unless the URL
// carries credentials.
type ftpTransport struct {
	timeout  time.Duration
	maxBytes int
}

func (t *ftpTransport) name() string { return "ftp" }

func (t *ftpTransport) get(ctx context.Context, u *url.URL) (string, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(t.timeout))
	if err != nil {
		return "", fmt.Errorf("ftp connection to %s failed: %w", addr, err)
	}
	// Quitting the connection unblocks a transfer stuck past the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.Quit() })
	defer func() {
		if stop() {
			_ = conn.Quit()
		}
	}()

	user, pass := anonymousUser, anonymousPass
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return "", fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable {
			return "", fmt.Errorf("%w: %s", ErrBulletinNotFound, u.Path)
		}
		return "", fmt.Errorf("ftp retrieve %s: %w", u.Path, err)
	}
	defer resp.Close()

	body, err := readBody(resp, t.maxBytes)
	if err != nil && ctx.Err() != nil {
		return "", fmt.Errorf("request timeout: %w", ctx.Err())
	}
	return body, err
}

func readBody(r io.Reader, maxBytes int) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(maxBytes)+1))
	if err != nil {
		return "", fmt.Errorf("read bulletin body: %w", err)
	}
	if len(data) > maxBytes {
		return "", fmt.Errorf("%w: over %d bytes", ErrBulletinTooLarge, maxBytes)
	}
	return string(data), nil
}
