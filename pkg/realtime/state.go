package realtime

// ConnectionState is the position of a [Client] in its connection
// lifecycle.
//
//	disconnected -> connecting -> authenticating -> connected
//	connected    -> reconnecting -> connecting        (abnormal close)
//	connected    -> disconnected                      (normal close, attempts exhausted)
//	connecting | authenticating -> error              (initial handshake failure)
//	any          -> closed                            (Close)
//
// closed is terminal.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateError
	StateClosed
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further results can arrive without a new
// Connect call.
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateError || s == StateClosed
}
