package stream

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// ErrorClass is a coarse bucket for a mid-stream transport failure, used to
// pick the SSE error event the client surface emits.
type ErrorClass struct {
	Type    string // sent as the SSE error "type" field
	Message string
}

// ClassifyStreamError buckets a transport-level error observed while
// reading a vendor SSE stream into timeout_error (context deadline or a
// net.Error timeout), connection_error (a url.Error wrapping a net.OpError,
// or a DNS error), canceled_error (context canceled) or unknown_error.
// Decode and body-read failures have no class of their own and are
// reported as unknown_error.
func ClassifyStreamError(err error) ErrorClass {
	if err == nil {
		return ErrorClass{Type: "unknown_error", Message: "stream ended unexpectedly"}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClass{Type: "timeout_error", Message: "upstream request timed out"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClass{Type: "timeout_error", Message: "upstream connection timed out"}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) {
			return ErrorClass{Type: "connection_error", Message: "failed to connect to upstream"}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorClass{Type: "connection_error", Message: "failed to resolve upstream host"}
	}

	if errors.Is(err, context.Canceled) {
		return ErrorClass{Type: "canceled_error", Message: "request canceled"}
	}

	return ErrorClass{Type: "unknown_error", Message: "unexpected stream error: " + err.Error()}
}
