package client

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kjstillabower/bulletin-weather-service/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (bulletinFetchErrorsTotal, bulletinFetchesTotal).
const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryCanceled    ErrorCategory = "canceled"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryNotFound    ErrorCategory = "not_found"
	ErrorCategoryRejected    ErrorCategory = "rejected"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream    ErrorCategory = "upstream_5xx"
	ErrorCategoryMalformed   ErrorCategory = "malformed"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryExhausted   ErrorCategory = "exhausted"
	ErrorCategoryInvalidURL  ErrorCategory = "invalid_url"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrFetchExhausted):
		return ErrorCategoryExhausted
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrInvalidURL):
		return ErrorCategoryInvalidURL
	case errors.Is(err, ErrBulletinNotFound):
		return ErrorCategoryNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrRejected):
		return ErrorCategoryRejected
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream
	case errors.Is(err, ErrEmptyBulletin), errors.Is(err, ErrBulletinTooLarge):
		return ErrorCategoryMalformed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "ftp") {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
