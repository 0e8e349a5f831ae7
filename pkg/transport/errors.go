package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Transport errors.
var (
	// ErrTimeout is matched by errors.Is for calls that exceeded their
	// deadline.
	ErrTimeout = errors.New("transport: timeout")

	// ErrNoBaseURL is returned when the client has no base URL configured.
	ErrNoBaseURL = errors.New("transport: base URL not configured")

	// ErrResponseTooLarge is returned when a response body exceeds
	// Config.MaxResponseBytes.
	ErrResponseTooLarge = errors.New("transport: response too large")
)

// Error is a failure to complete an HTTP exchange. No response status is
// available.
type Error struct {
	Op  string
	URL string
	Err error

	timeout bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrTimeout for deadline failures.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.timeout
}

// Timeout returns true if the call exceeded its deadline.
func (e *Error) Timeout() bool { return e.timeout }

// StatusError is a response with a non-2xx status code.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string

	// Body holds at most the first 512 bytes of the response body.
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s %s: unexpected status %d %s",
		e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable returns true for server errors and rate limiting.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Unauthorized returns true for 401 and 403.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRetryable reports whether err is a transient transport failure:
// a network error, a timeout, or a retryable status.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var te *Error
	return errors.As(err, &te)
}
