package cw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, cw.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("cw: bad request")
	ErrUnauthorized       = errors.New("cw: unauthorized")
	ErrForbidden          = errors.New("cw: forbidden")
	ErrNotFound           = errors.New("cw: not found")
	ErrThrottled          = errors.New("cw: throttled")
	ErrServerError        = errors.New("cw: server error")
	ErrUnexpectedStatus   = errors.New("cw: unexpected status")
	ErrMissingCredentials = errors.New("cw: missing credentials")
)

// APIError carries the status, request path and (truncated) response body
// of a non-2xx response.
type APIError struct {
	StatusCode int
	Path       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cw: GET %s: HTTP %d: %s", e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// PageError reports a page that failed after earlier pages of the same
// query had already been retrieved. It is surfaced through Client.Warnings
// rather than returned.
type PageError struct {
	Path    string
	Page    int
	Fetched int
	Err     error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("cw: %s page %d failed after %d records: %v", e.Path, e.Page, e.Fetched, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		return ErrUnexpectedStatus
	}
}

// isTransient reports whether err is worth retrying and should count
// against the circuit breaker. Client errors (4xx other than 429) are
// caller mistakes and do neither, and neither does a canceled or expired
// context.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errors.Is(apiErr.Err, ErrThrottled) || errors.Is(apiErr.Err, ErrServerError)
	}
	return !errors.Is(err, ErrMissingCredentials)
}
