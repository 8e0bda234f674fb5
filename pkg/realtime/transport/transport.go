// Package transport wraps a WebSocket connection in an event-driven adapter
// used by the realtime transcription client.
//
// An [Adapter] starts dialling as soon as it is created and reports what
// happens through [Listener] callbacks: open, message, close, error. Every
// adapter is single-use; reconnecting means dialling a new one.
//
// Callbacks run on the adapter's own goroutine, one at a time, in the order
// frames arrive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/acedergren/ocigenai/internal/notify"
)

// Close codes used by the realtime protocol.
const (
	StatusNormal   = int(websocket.StatusNormalClosure)
	StatusAbnormal = int(websocket.StatusAbnormalClosure)
)

// Defaults applied to zero [Options] fields.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultReadLimit      = 1 << 20
)

var (
	// ErrNotOpen is returned by [Adapter.Send] unless the adapter is open.
	ErrNotOpen = errors.New("transport: connection not open")

	// ErrConnectTimeout is reported through OnError when the connection did
	// not open within [Options.ConnectTimeout].
	ErrConnectTimeout = errors.New("transport: connection timeout")
)

// ReadyState is the lifecycle position of an [Adapter].
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the name of the state.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one received frame.
type Message struct {
	// Binary is true for binary frames and false for text frames.
	Binary bool

	// Data is the frame payload.
	Data []byte
}

// Listener receives adapter events. Nil fields are skipped.
type Listener struct {
	OnOpen    func()
	OnMessage func(Message)
	OnClose   func(code int, reason string)
	OnError   func(error)
}

// Options configures an [Adapter].
type Options struct {
	// ConnectTimeout bounds the opening handshake. Default: 30s.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each Send. Default: 10s.
	WriteTimeout time.Duration

	// Header is sent with the opening handshake.
	Header http.Header

	// HTTPClient performs the handshake. It must not set Timeout; use
	// ConnectTimeout instead.
	HTTPClient *http.Client

	// ReadLimit caps the size of a received frame. Default: 1 MiB.
	ReadLimit int64

	// Logger receives debug-level connection events. Default: slog.Default().
	Logger *slog.Logger
}

// Adapter is a single WebSocket connection attempt and, if it succeeds,
// the connection itself.
type Adapter struct {
	url  string
	opts Options
	log  *slog.Logger

	state     atomic.Int32
	listeners notify.Registry[Listener]

	mu          sync.Mutex
	conn        *websocket.Conn
	cancelDial  context.CancelFunc
	localClose  bool
	localCode   int
	localReason string

	closeOnce sync.Once
	done      chan struct{}
}

// Dial creates an adapter and starts connecting to url in the background.
// Listeners passed here are registered before dialling begins, so they
// observe every event.
func Dial(url string, opts Options, listeners ...Listener) *Adapter {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Adapter{
		url:  url,
		opts: opts,
		log:  opts.Logger.With("url", url),
		done: make(chan struct{}),
	}
	for _, l := range listeners {
		a.listeners.Add(l)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	a.cancelDial = cancel
	go a.run(ctx, cancel)
	return a
}

// Subscribe registers l and returns a function that removes it.
func (a *Adapter) Subscribe(l Listener) (unsubscribe func()) {
	return a.listeners.Add(l)
}

// State returns the current ready state.
func (a *Adapter) State() ReadyState { return ReadyState(a.state.Load()) }

// IsOpen reports whether frames can be sent.
func (a *Adapter) IsOpen() bool { return a.State() == StateOpen }

// Done is closed once the adapter has reached [StateClosed] and delivered
// its final event.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Send writes one frame. It returns [ErrNotOpen] unless the adapter is
// open; frames are never queued.
func (a *Adapter) Send(ctx context.Context, msg Message) error {
	if !a.IsOpen() {
		return ErrNotOpen
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	typ := websocket.MessageText
	if msg.Binary {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, typ, msg.Data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close starts the closing handshake with code and reason, or abandons a
// dial still in progress. It is idempotent. The OnClose event reports the
// code given here.
func (a *Adapter) Close(code int, reason string) error {
	a.mu.Lock()
	if a.localClose || a.State() == StateClosed {
		a.mu.Unlock()
		return nil
	}
	a.localClose = true
	a.localCode = code
	a.localReason = reason
	conn := a.conn
	cancelDial := a.cancelDial
	a.state.Store(int32(StateClosing))
	a.mu.Unlock()

	if conn == nil {
		cancelDial()
		return nil
	}
	err := conn.Close(websocket.StatusCode(code), reason)
	if err != nil && websocket.CloseStatus(err) == -1 {
		a.log.Debug("transport: close handshake incomplete", "err", err)
	}
	return nil
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc) {
	conn, _, err := websocket.Dial(ctx, a.url, &websocket.DialOptions{
		HTTPHeader: a.opts.Header,
		HTTPClient: a.opts.HTTPClient,
	})
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		a.mu.Lock()
		local, code, reason := a.localClose, a.localCode, a.localReason
		a.mu.Unlock()

		a.state.Store(int32(StateClosed))
		if local {
			a.finish(code, reason)
			return
		}
		if timedOut {
			err = fmt.Errorf("%w after %v", ErrConnectTimeout, a.opts.ConnectTimeout)
		} else {
			err = fmt.Errorf("transport: dial: %w", err)
		}
		a.log.Debug("transport: dial failed", "err", err)
		a.emitError(err)
		close(a.done)
		return
	}

	conn.SetReadLimit(a.opts.ReadLimit)

	a.mu.Lock()
	if a.localClose {
		code, reason := a.localCode, a.localReason
		a.mu.Unlock()
		_ = conn.Close(websocket.StatusCode(code), reason)
		a.state.Store(int32(StateClosed))
		a.finish(code, reason)
		return
	}
	a.conn = conn
	a.state.Store(int32(StateOpen))
	a.mu.Unlock()

	a.log.Debug("transport: open")
	a.listeners.Each(func(l Listener) {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	})

	a.readLoop(conn)
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			a.handleReadError(err)
			return
		}
		msg := Message{Binary: typ == websocket.MessageBinary, Data: data}
		a.listeners.Each(func(l Listener) {
			if l.OnMessage != nil {
				l.OnMessage(msg)
			}
		})
	}
}

func (a *Adapter) handleReadError(err error) {
	code := int(websocket.CloseStatus(err))
	var reason string
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	a.mu.Lock()
	if a.localClose {
		code, reason = a.localCode, a.localReason
	}
	a.mu.Unlock()

	if code == -1 {
		code = StatusAbnormal
		if reason == "" {
			reason = "connection lost"
		}
		a.log.Debug("transport: connection dropped", "err", err)
	}
	a.state.Store(int32(StateClosed))
	a.finish(code, reason)
}

// finish delivers the close event exactly once.
func (a *Adapter) finish(code int, reason string) {
	a.closeOnce.Do(func() {
		a.log.Debug("transport: closed", "code", code, "reason", reason)
		a.listeners.Each(func(l Listener) {
			if l.OnClose != nil {
				l.OnClose(code, reason)
			}
		})
		close(a.done)
	})
}

func (a *Adapter) emitError(err error) {
	a.listeners.Each(func(l Listener) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}
