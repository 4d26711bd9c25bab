// Package transport implements the sync server protocol over HTTP: batched
// pushes, paged pulls and websocket change notifications, with retry,
// throttling and error classification.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/hmsync/wardsync/internal/sync"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, transport.ErrConflict) to check.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrConflict     = errors.New("transport: version conflict")
	ErrGone         = errors.New("transport: resource gone")
	ErrThrottled    = errors.New("transport: throttled")
	ErrServerError  = errors.New("transport: server error")
)

// StatusError wraps a sentinel error with HTTP status code, request ID,
// and the server's error message. It also unwraps to the sync failure
// class, so the coordinator can decide whether the items are retried.
type StatusError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *StatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Err != nil {
		out = append(out, e.Err)
	}

	return append(out, syncClass(e.StatusCode))
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// syncClass maps a status code to the failure class the sync coordinator
// understands.
func syncClass(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return sync.ErrUnauthorized
	case isRetryable(code):
		return sync.ErrTransient
	default:
		return sync.ErrPermanent
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying later: throttling,
// server errors and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, sync.ErrTransient) || errors.Is(err, sync.ErrOffline)
}

// networkError wraps a failed round trip. Dial and DNS failures mean the
// server is unreachable; timeouts and resets mid-request are transient.
func networkError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", sync.ErrOffline, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %w", sync.ErrOffline, err)
	}

	return fmt.Errorf("%w: %w", sync.ErrTransient, err)
}
