package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// RelayError is a failed mail relay call. Retryable marks failures a later attempt may fix.
type RelayError struct {
	StatusCode int
	Reason     string
	Retryable  bool
	Cause      error
}

func (e *RelayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := "mail relay: " + e.Reason
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("mail relay (status %d): %s", e.StatusCode, e.Reason)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RelayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// statusError classifies a non-2xx relay response. Throttling, request timeouts and
// server faults are retried; any other status means the mail itself was refused.
func statusError(statusCode int, body string) *RelayError {
	reason := "relay refused the manifest"
	if body != "" {
		reason += ": " + body
	}
	return &RelayError{
		StatusCode: statusCode,
		Reason:     reason,
		Retryable: statusCode == http.StatusTooManyRequests ||
			statusCode == http.StatusRequestTimeout ||
			statusCode >= http.StatusInternalServerError,
	}
}

// IsTransient reports whether a manifest delivery should be retried.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Retryable
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
