package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/acedergren/ocigenai/pkg/apierror"
)

// transientMessages are lower-cased fragments of error messages produced by
// HTTP stacks and proxies for dropped connections.
var transientMessages = []string{
	"socket hang up",
	"network error",
	"fetch failed",
	"connection reset",
	"broken pipe",
}

// IsRetryable is the default error classifier.
//
// Retryable: network and rate-limit kinds, HTTP 429 and 5xx, connection
// reset/refused/aborted, socket timeouts, DNS failures, unexpected EOF.
// Not retryable: any other 4xx, [*TimeoutError], context cancellation or
// deadline, an open circuit breaker.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return false
	}

	var ae *apierror.Error
	if errors.As(err, &ae) {
		if ae.Retryable() {
			return true
		}
		if ae.Kind != apierror.KindUnknown {
			return false
		}
	} else {
		switch apierror.KindOf(err) {
		case apierror.KindNetwork, apierror.KindRateLimit:
			return true
		case apierror.KindAuthentication, apierror.KindModelNotFound,
			apierror.KindValidation, apierror.KindProtocol:
			return false
		}
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientMessages {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
