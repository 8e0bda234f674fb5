// Package realtime implements the OCI realtime speech transcription
// protocol: a connection state machine with a token handshake and
// automatic reconnection ([Client]), and a session façade that turns wire
// results into ordered transcription results ([Session]).
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/acedergren/ocigenai/internal/notify"
	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/realtime/transport"
)

// Observer receives client events. Nil fields are skipped. Message events
// are delivered on the connection's read goroutine in arrival order.
type Observer struct {
	OnStateChange   func(from, to ConnectionState)
	OnAuthenticated func(sessionID string)
	OnMessage       func(ServerMessage)
	OnError         func(error)
	OnClosed        func(code int, reason string)
	OnReconnecting  func(attempt, maxAttempts int, delay time.Duration)
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithLogger sets the client logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Client drives one realtime connection at a time. Every connection
// attempt dials a new transport and requests a new session token.
type Client struct {
	settings   Settings
	tokens     TokenIssuer
	log        *slog.Logger
	metrics    *observe.Metrics
	httpClient *http.Client

	observers notify.Registry[Observer]

	mu          sync.Mutex
	state       ConnectionState
	gen         uint64
	conn        *transport.Adapter
	sessionID   string
	connectedAt time.Time
	attempts    int
	authWait    chan error
	reconnect   scheduledTask

	life       context.Context
	cancelLife context.CancelFunc
}

// NewClient validates settings (after applying defaults) and returns a
// disconnected client.
func NewClient(settings Settings, tokens TokenIssuer, opts ...ClientOption) (*Client, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, apierror.Validation("realtime.client", "token issuer is required")
	}
	c := &Client{settings: settings, tokens: tokens}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.life, c.cancelLife = context.WithCancel(context.Background())
	return c, nil
}

// Subscribe registers o and returns a function that removes it.
func (c *Client) Subscribe(o Observer) (unsubscribe func()) {
	return c.observers.Add(o)
}

// Settings returns the effective settings.
func (c *Client) Settings() Settings { return c.settings }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned ID of the current connection, or
// "" when not connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ConnectedAt returns when the current connection authenticated.
func (c *Client) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Connect dials the service and completes the token handshake. It returns
// [ErrAlreadyConnected] while a connection is being established or is
// established and [ErrClosed] after Close. A failed handshake leaves the
// client in [StateError].
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateAuthenticating, StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.reconnect.stop()
	c.gen++
	gen := c.gen
	from := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emitState(from, StateConnecting)

	err := c.attempt(ctx, gen)
	if err == nil {
		c.log.Info("realtime: connected", "session_id", c.SessionID())
		return nil
	}

	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return err
	}
	from = c.setStateLocked(StateError)
	c.mu.Unlock()
	c.emitState(from, StateError)
	c.log.Warn("realtime: connect failed", "err", err)
	return err
}

// SendAudio sends one binary audio frame. It fails with [ErrNotConnected]
// unless the client is connected; nothing is queued.
func (c *Client) SendAudio(ctx context.Context, audio []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	return conn.Send(ctx, transport.Message{Binary: true, Data: audio})
}

// RequestFinalResult asks the server to flush a final transcript for the
// audio received so far.
func (c *Client) RequestFinalResult(ctx context.Context) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	return sendJSON(ctx, conn, controlMessage{Event: eventSendFinalResult})
}

func (c *Client) connected() (*transport.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Close cancels any pending reconnect, asks for a final result if
// connected, and closes the connection with a normal close code. The
// client cannot be reused. Close is idempotent.
//
// Close does not wait for the read goroutine to finish, so it may be
// called from an [Observer] callback.
func (c *Client) Close(ctx context.Context) error {
	return c.close(ctx, true)
}

// closeNoFlush closes without requesting a final result. The session uses
// it after running its own flush.
func (c *Client) closeNoFlush(ctx context.Context) error {
	return c.close(ctx, false)
}

func (c *Client) close(ctx context.Context, flush bool) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == StateConnected
	conn := c.conn
	c.reconnect.stop()
	deliver(c.authWait, ErrClosed)
	from := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.cancelLife()
	c.emitState(from, StateClosed)

	if conn == nil {
		return nil
	}
	if flush && wasConnected {
		if err := sendJSON(ctx, conn, controlMessage{Event: eventSendFinalResult}); err != nil {
			c.log.Debug("realtime: final result request failed", "err", err)
		} else {
			sleep(ctx, c.settings.CloseGrace)
		}
	}
	// The close event of this adapter is ignored once the state is closed.
	_ = conn.Close(transport.StatusNormal, "client closed")
	c.log.Info("realtime: closed")
	return nil
}

// attempt runs one dial and handshake for generation gen.
func (c *Client) attempt(ctx context.Context, gen uint64) error {
	token, err := c.tokens.IssueToken(ctx, c.settings.CompartmentID)
	if err != nil {
		return &Error{Code: CodeAuthenticationFailed, Message: "issue session token", Err: err}
	}

	opened := make(chan struct{}, 1)
	authWait := make(chan error, 1)

	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.authWait = authWait
	conn := transport.Dial(c.settings.URL(), transport.Options{
		ConnectTimeout: c.settings.ConnectTimeout,
		HTTPClient:     c.httpClient,
		Logger:         c.log,
	}, transport.Listener{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(m transport.Message) { c.handleFrame(gen, m) },
		OnClose:   func(code int, reason string) { c.handleClose(gen, code, reason) },
		OnError:   func(err error) { c.handleTransportError(gen, err) },
	})
	c.conn = conn
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close(transport.StatusNormal, "handshake failed")
		return err
	}

	select {
	case <-opened:
	case err := <-authWait:
		return fail(err)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return fail(ErrClosed)
	}
	from := c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()
	c.emitState(from, StateAuthenticating)

	if err := sendJSON(ctx, conn, newAuthenticateMessage(token, c.settings)); err != nil {
		return fail(&Error{Code: CodeAuthenticationFailed, Message: "send authenticate", Err: err})
	}

	timer := time.NewTimer(c.settings.AuthTimeout)
	defer timer.Stop()
	select {
	case err := <-authWait:
		if err != nil {
			return fail(err)
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		ok := c.gen == gen && c.state == StateConnected
		c.mu.Unlock()
		if ok {
			return nil
		}
		return fail(&Error{Code: CodeAuthenticationTimeout, Message: fmt.Sprintf("no CONNECT within %v", c.settings.AuthTimeout)})
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

func (c *Client) handleFrame(gen uint64, m transport.Message) {
	if m.Binary {
		c.log.Debug("realtime: ignoring binary frame", "bytes", len(m.Data))
		return
	}
	msg, err := DecodeServerMessage(m.Data)
	if err != nil {
		c.log.Debug("realtime: dropping frame", "err", err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch msg := msg.(type) {
	case ConnectMessage:
		if c.state != StateAuthenticating {
			c.mu.Unlock()
			c.log.Debug("realtime: unexpected CONNECT", "state", c.State())
			return
		}
		c.sessionID = msg.SessionID
		c.connectedAt = time.Now()
		c.attempts = 0
		from := c.setStateLocked(StateConnected)
		deliver(c.authWait, nil)
		c.mu.Unlock()

		c.emitState(from, StateConnected)
		c.observers.Each(func(o Observer) {
			if o.OnAuthenticated != nil {
				o.OnAuthenticated(msg.SessionID)
			}
		})

	case ErrorMessage:
		perr := &ProtocolError{Code: msg.Code, Message: msg.Message}
		if c.state == StateAuthenticating {
			deliver(c.authWait, &Error{Code: CodeAuthenticationFailed, Message: msg.Message, Err: perr})
		}
		c.mu.Unlock()
		c.log.Warn("realtime: server error", "code", msg.Code, "message", msg.Message)
		c.emitError(perr)

	default:
		c.mu.Unlock()
	}

	c.observers.Each(func(o Observer) {
		if o.OnMessage != nil {
			o.OnMessage(msg)
		}
	})
}

func (c *Client) handleTransportError(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	handshaking := c.state == StateConnecting || c.state == StateAuthenticating
	if handshaking {
		deliver(c.authWait, &Error{Code: CodeConnectionFailed, Err: err})
	}
	c.mu.Unlock()
	if !handshaking {
		c.emitError(err)
	}
}

func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnecting, StateAuthenticating:
		deliver(c.authWait, &Error{
			Code:    CodeConnectionFailed,
			Message: fmt.Sprintf("closed during handshake (%d %s)", code, reason),
		})
		c.mu.Unlock()
		return
	case StateConnected:
	default:
		c.mu.Unlock()
		return
	}

	c.conn = nil
	c.sessionID = ""
	abnormal := code != transport.StatusNormal

	if abnormal && !c.settings.DisableReconnect && c.attempts < c.settings.MaxReconnectAttempts {
		delay := c.scheduleReconnectLocked()
		attempt := c.attempts
		from := c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.log.Warn("realtime: connection lost, reconnecting",
			"code", code, "reason", reason, "attempt", attempt, "delay", delay)
		c.emitClosed(code, reason)
		c.emitError(&Error{Code: CodeConnectionLost, Message: fmt.Sprintf("%d %s", code, reason)})
		c.emitState(from, StateReconnecting)
		c.emitReconnecting(attempt, delay)
		return
	}

	from := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.log.Info("realtime: disconnected", "code", code, "reason", reason)
	c.emitClosed(code, reason)
	if abnormal {
		c.emitError(&Error{Code: CodeConnectionLost, Message: fmt.Sprintf("%d %s", code, reason)})
	}
	c.emitState(from, StateDisconnected)
}

// scheduleReconnectLocked bumps the attempt counter and arms the reconnect
// timer, replacing any pending one. c.mu must be held.
func (c *Client) scheduleReconnectLocked() time.Duration {
	c.attempts++
	delay := ReconnectDelay(c.attempts, c.settings.ReconnectBaseDelay, c.settings.ReconnectMaxDelay, rand.Float64())
	c.reconnect.schedule(delay, c.runReconnect)
	c.metrics.RecordReconnect(c.life, "scheduled")
	return delay
}

// runReconnect is the reconnect timer body. It performs exactly one
// attempt and either schedules the next one or gives up.
func (c *Client) runReconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	from := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emitState(from, StateConnecting)

	err := c.attempt(c.life, gen)
	if err == nil {
		c.metrics.RecordReconnect(c.life, "succeeded")
		c.log.Info("realtime: reconnected", "session_id", c.SessionID())
		return
	}
	c.metrics.RecordReconnect(c.life, "failed")

	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.attempts < c.settings.MaxReconnectAttempts {
		delay := c.scheduleReconnectLocked()
		attempt := c.attempts
		from := c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.log.Warn("realtime: reconnect failed", "attempt", attempt-1, "next_delay", delay, "err", err)
		c.emitState(from, StateReconnecting)
		c.emitReconnecting(attempt, delay)
		return
	}

	attempts := c.attempts
	from = c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.log.Warn("realtime: giving up reconnecting", "attempts", attempts, "err", err)
	c.emitError(&Error{
		Code:    CodeReconnectionFailed,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Err:     err,
	})
	c.emitState(from, StateDisconnected)
}

// setStateLocked changes state and returns the previous one. c.mu must be
// held; observers are notified by the caller after unlocking.
func (c *Client) setStateLocked(to ConnectionState) ConnectionState {
	from := c.state
	c.state = to
	return from
}

func (c *Client) emitState(from, to ConnectionState) {
	if from == to {
		return
	}
	c.log.Debug("realtime: state change", "from", from, "to", to)
	c.observers.Each(func(o Observer) {
		if o.OnStateChange != nil {
			o.OnStateChange(from, to)
		}
	})
}

func (c *Client) emitError(err error) {
	c.observers.Each(func(o Observer) {
		if o.OnError != nil {
			o.OnError(err)
		}
	})
}

func (c *Client) emitClosed(code int, reason string) {
	c.observers.Each(func(o Observer) {
		if o.OnClosed != nil {
			o.OnClosed(code, reason)
		}
	})
}

func (c *Client) emitReconnecting(attempt int, delay time.Duration) {
	c.observers.Each(func(o Observer) {
		if o.OnReconnecting != nil {
			o.OnReconnecting(attempt, c.settings.MaxReconnectAttempts, delay)
		}
	})
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// base doubled per attempt plus up to 25% jitter scaled by rnd in [0,1),
// capped at maxDelay.
func ReconnectDelay(n int, base, maxDelay time.Duration, rnd float64) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := float64(base) * math.Pow(2, float64(n-1))
	d := exp * (1 + 0.25*rnd)
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// scheduledTask is the single pending reconnect timer. Scheduling a new
// task stops the previous one. The owner's mutex guards it.
type scheduledTask struct {
	timer *time.Timer
}

func (t *scheduledTask) schedule(d time.Duration, fn func()) {
	t.stop()
	t.timer = time.AfterFunc(d, fn)
}

func (t *scheduledTask) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// deliver hands err to a handshake waiter without blocking. Only the first
// outcome is kept.
func deliver(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func sendJSON(ctx context.Context, conn *transport.Adapter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode %T: %w", v, err)
	}
	return conn.Send(ctx, transport.Message{Data: data})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
