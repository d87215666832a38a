package provider

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError lets an error decide whether the call that produced it may be retried.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRetryable reports whether a provider call that failed with err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var prediction *PredictionError
	if errors.As(err, &prediction) {
		return false
	}

	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}

	return isRetryableByType(err)
}

func isRetryableByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableByType(urlErr.Err)
	}

	message := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"rate limit",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	} {
		if strings.Contains(message, pattern) {
			return true
		}
	}

	return false
}
