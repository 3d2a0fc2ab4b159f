// Package resilience wraps calls to unreliable upstreams with error
// classification, bounded retry, and per-dependency circuit breaking.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind categorizes an upstream failure.
type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindAuthentication Kind = "authentication"
	KindInvalidRequest Kind = "invalid_request"
	KindServerError    Kind = "server_error"
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network"
	KindUnknown        Kind = "unknown"
)

// Classification is the retry-relevant summary of an error.
type Classification struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration // nonzero only when the upstream said so
}

// HTTPError is an upstream response with a non-2xx status.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// NewHTTPError builds an HTTPError from a response status, body, and the
// Retry-After header when present (seconds form only).
func NewHTTPError(status int, body string, header http.Header) *HTTPError {
	e := &HTTPError{Status: status, Body: body}
	if header != nil {
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// Classify maps an error into the taxonomy. Only rate_limit, server_error,
// timeout, and network failures are retryable; authentication and invalid
// requests fail fast.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return Classification{Kind: KindRateLimit, Retryable: true, RetryAfter: httpErr.RetryAfter}
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return Classification{Kind: KindAuthentication}
		case httpErr.Status >= 400 && httpErr.Status < 500:
			return Classification{Kind: KindInvalidRequest}
		case httpErr.Status >= 500:
			return Classification{Kind: KindServerError, Retryable: true}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout, Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Kind: KindTimeout, Retryable: true}
		}
		return Classification{Kind: KindNetwork, Retryable: true}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Classification{Kind: KindNetwork, Retryable: true}
	}

	return Classification{Kind: KindUnknown}
}
