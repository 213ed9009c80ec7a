package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/abdhe/codegen-proxy/pkg/resilience"
)

// Kind classifies upstream failures for callers that map them to responses.
type Kind string

const (
	KindTransport         Kind = "transport"
	KindTimeout           Kind = "timeout"
	KindStatus            Kind = "upstream_status"
	KindCircuitOpen       Kind = "circuit_open"
	KindMalformedResponse Kind = "malformed_response"
	KindCanceled          Kind = "canceled"
	KindShutdown          Kind = "shutdown"
	KindUnknown           Kind = "unknown"
)

// ErrCircuitOpen is returned, wrapped in *UpstreamError, while the breaker is open.
var ErrCircuitOpen = resilience.ErrCircuitOpen

// TransportError is a network or connection failure.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError means one attempt exceeded its time budget.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream request timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the upstream server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
// Client errors other than 408 and 429 are not.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// MalformedResponseError is a response body that could not be parsed.
type MalformedResponseError struct {
	// Line is the 1-based line of a chunked body, 0 for whole-body parses.
	Line int
	Raw  string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed upstream response at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("malformed upstream response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// UpstreamError is what crosses the Manager boundary once retries are exhausted.
type UpstreamError struct {
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	if errors.Is(e.Err, ErrCircuitOpen) {
		return fmt.Sprintf("upstream %s %s: service unavailable: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("upstream %s %s failed after %d attempt(s): %v", e.Method, e.Path, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Kind returns the classification of the wrapped cause.
func (e *UpstreamError) Kind() Kind { return KindOf(e.Err) }

// KindOf classifies any error returned by this package or the provider layer.
func KindOf(err error) Kind {
	var (
		statusErr    *StatusError
		timeoutErr   *TimeoutError
		transportErr *TransportError
		malformedErr *MalformedResponseError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrConnectionClosed):
		return KindShutdown
	case errors.As(err, &malformedErr):
		return KindMalformedResponse
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &statusErr):
		return KindStatus
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a single attempt's error may be retried.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
