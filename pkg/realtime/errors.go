package realtime

import (
	"errors"
	"fmt"

	"github.com/acedergren/ocigenai/pkg/apierror"
)

// ErrorCode classifies a realtime [Error].
type ErrorCode string

const (
	CodeConnectionFailed      ErrorCode = "CONNECTION_FAILED"
	CodeAuthenticationFailed  ErrorCode = "AUTHENTICATION_FAILED"
	CodeAuthenticationTimeout ErrorCode = "AUTHENTICATION_TIMEOUT"
	CodeConnectionLost        ErrorCode = "CONNECTION_LOST"
	CodeReconnectionFailed    ErrorCode = "RECONNECTION_FAILED"
	CodeNotConnected          ErrorCode = "NOT_CONNECTED"
)

// Error is a connection-level failure of the realtime client.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := "realtime: " + string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind maps the code onto the shared error taxonomy.
func (e *Error) ErrorKind() apierror.Kind {
	switch e.Code {
	case CodeAuthenticationFailed:
		switch k := apierror.KindOf(e.Err); k {
		case apierror.KindNetwork, apierror.KindRateLimit, apierror.KindTimeout:
			return k
		}
		return apierror.KindAuthentication
	case CodeAuthenticationTimeout:
		return apierror.KindTimeout
	default:
		return apierror.KindNetwork
	}
}

// ProtocolError is an ERROR message sent by the server. It is reported to
// observers but does not close the connection.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime: server error %s: %s", e.Code, e.Message)
}

// ErrorKind reports [apierror.KindProtocol].
func (e *ProtocolError) ErrorKind() apierror.Kind { return apierror.KindProtocol }

var (
	// ErrNotConnected is returned when audio or control messages are sent
	// while the client is not connected. Nothing is queued.
	ErrNotConnected = &Error{Code: CodeNotConnected, Message: "not connected"}

	// ErrAlreadyConnected is returned by Connect while a connection is being
	// established or is established.
	ErrAlreadyConnected = errors.New("realtime: already connected or connecting")

	// ErrClosed is returned by operations on a closed client or session.
	ErrClosed = errors.New("realtime: closed")
)
