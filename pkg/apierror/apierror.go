// Package apierror defines the error taxonomy shared by every OCI Generative
// AI call in this module.
//
// Errors are classified by [Kind] rather than by concrete type. Callers
// inspect a failure with [KindOf] or by unwrapping to [*Error] with
// [errors.As]. Packages that define their own error types participate in the
// taxonomy by implementing an ErrorKind() Kind method.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is an error that fits no other category.
	KindUnknown Kind = iota

	// KindNetwork is a transient transport failure or a 5xx response.
	KindNetwork

	// KindRateLimit is a 429 response. It may carry a retry hint.
	KindRateLimit

	// KindAuthentication is a 401/403 response or a rejected session token.
	KindAuthentication

	// KindModelNotFound is a 404 response for a model or endpoint.
	KindModelNotFound

	// KindTimeout is an operation that exceeded its deadline.
	KindTimeout

	// KindProtocol is an ERROR message sent by the realtime server.
	KindProtocol

	// KindValidation is malformed caller input, rejected before any network
	// call when possible.
	KindValidation
)

// String returns the lower-case name of the kind, suitable for metric
// attributes.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthentication:
		return "authentication"
	case KindModelNotFound:
		return "model_not_found"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified failure of an OCI Generative AI operation.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed, e.g. "chat" or "embedText".
	Op string

	// StatusCode is the HTTP status, or zero if no response was received.
	StatusCode int

	// Code is the service error code from the response body, if any.
	Code string

	// Message is a human-readable description.
	Message string

	// RequestID is the opc-request-id of the failed call, if known.
	RequestID string

	// RetryAfter is the server-suggested delay before retrying. Zero when
	// the server gave no hint.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorKind reports e.Kind.
func (e *Error) ErrorKind() Kind { return e.Kind }

// Retryable reports whether the failure is likely transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimit:
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// New returns an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err as kind. It returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation returns a [KindValidation] error with a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err. It recognises [*Error], any error in the
// chain with an ErrorKind() Kind method, and errors reporting Timeout() true.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k interface{ ErrorKind() Kind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindForStatus maps an HTTP status code onto a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindNetwork
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// FromResponse builds an [*Error] from a non-2xx response. body is the
// already-read response body; OCI error bodies carry "code" and "message".
func FromResponse(op string, resp *http.Response, body []byte) *Error {
	e := &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Kind:       KindForStatus(resp.StatusCode),
		RequestID:  resp.Header.Get("opc-request-id"),
	}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		e.Code = parsed.Get("code").String()
		e.Message = parsed.Get("message").String()
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > 512 {
			e.Message = e.Message[:512]
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	if e.Kind == KindRateLimit {
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// ParseRetryAfter parses a Retry-After header value given either in seconds
// or as an HTTP date. It returns zero for an empty or unparsable value.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
