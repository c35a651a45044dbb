package exchange

import (
	"errors"
	"fmt"
)

// APIError is the typed failure for exchange HTTP calls. Status 0 means the
// request never produced a response (transport error); the cause carries the
// underlying error in that case.
type APIError struct {
	Status int    // HTTP status, 0 for transport failures
	Method string
	Path   string
	Body   string // response body for HTTP failures, truncated for logs
	cause  error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.cause)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return e.cause }

// Retryable reports whether the failure class is worth retrying: transient
// transport errors, 5xx, and 429. Other 4xx, signing errors, and malformed
// payloads are not.
func (e *APIError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == 429
}

// RateLimited reports whether the venue returned 429.
func (e *APIError) RateLimited() bool { return e.Status == 429 }

// IsRetryable classifies an arbitrary error from this package.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// IsRateLimited reports whether the error chain contains an HTTP 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// StatusOf returns the HTTP status in the error chain, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
