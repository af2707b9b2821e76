package upstream

import (
	"fmt"
	"net/http"
)

// TransportError indicates that the external system could not be reached
// or refused our credentials. Transport errors are transient from the
// engine's point of view and are retried per page.
type TransportError struct {
	URL string
	Err error
}

// Error returns the error message
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// UpstreamError indicates the external system returned a non-success
// response for a well-formed request.
type UpstreamError struct {
	StatusCode int
	URL        string
	Message    string
}

// Error returns the error message
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d for %s: %s", e.StatusCode, e.URL, e.Message)
}

// Retryable reports whether the response class is worth retrying.
// Deterministic 4xx rejections fail fast; server errors and throttling
// are treated as transient.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests
}
