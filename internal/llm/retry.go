package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// RetryPolicy controls automatic resends of failed requests.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the initial failure.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each subsequent
	// retry doubles it.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// backoffDelay returns the wait before retry n (1-based):
// BaseDelay doubled once per prior retry.
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// isRetryable reports whether err is a transient transport failure
// worth resending: connection refused, unknown host, timeouts, or the
// remote end closing mid-stream. Anything the server actually answered
// (HTTP error statuses, malformed payloads) is not retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Caller gave up; never retry past cancellation.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED,
			syscall.EHOSTUNREACH,
			syscall.ENETUNREACH,
			syscall.ECONNRESET,
			syscall.EPIPE:
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Remote closed the connection mid-stream.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe") {
		return true
	}

	return false
}
