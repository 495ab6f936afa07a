package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// APIError is a non-2xx response from an external service. Body holds
// the raw response for callers that parse validation envelopes.
type APIError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("httpx: %s: %s %s returned %d", e.Service, e.Method, e.Path, e.StatusCode)
}

// StatusCode extracts the HTTP status carried by err, or 0 when err is
// not an APIError.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	return StatusCode(err) == status
}

// ErrorBody extracts the response body carried by err, or nil.
func ErrorBody(err error) []byte {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Body
	}
	return nil
}

// IsNetworkError reports whether err is a transport-level failure
// (timeout, DNS, refused connection) rather than an HTTP status error.
// Caller-initiated cancellation does not count.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
