package engine

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("connection pool closed")

// ErrMissingSecret fails a batch for a tenant with no signing secret. Its
// files are still staged but nothing is sent.
var ErrMissingSecret = errors.New("api secret not configured")

// ConnectionError reports a failed handshake or probe for a tenant. The pool
// never retries on its own; the coordinator backs off and tries again.
type ConnectionError struct {
	TenantID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %q: connection failed: %v", e.TenantID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransientIOError reports a listing, stat, mkdir or move failure. The
// affected work is retried on the next cycle.
type TransientIOError struct {
	TenantID string
	Op       string
	Path     string
	Err      error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("tenant %q: %s %s: %v", e.TenantID, e.Op, e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// DeliveryError reports a failed call to the processing API. Network errors
// and 5xx responses are retryable; 4xx responses are not.
type DeliveryError struct {
	TenantID   string
	StatusCode int
	Retryable  bool
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("tenant %q: processing api responded %d: %s", e.TenantID, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("tenant %q: processing api responded %d", e.TenantID, e.StatusCode)
	}
	return fmt.Sprintf("tenant %q: delivery failed: %v", e.TenantID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a DeliveryError worth another attempt.
func IsRetryable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Retryable
}

// IsConnectionError reports whether err came from establishing a session.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
