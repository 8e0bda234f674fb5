package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acedergren/ocigenai/internal/notify"
	"github.com/acedergren/ocigenai/internal/observe"
)

// Token is one recognised word or punctuation mark.
type Token struct {
	Token      string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Type       string
}

// TranscriptionResult is a single partial or final hypothesis.
type TranscriptionResult struct {
	Text            string
	IsFinal         bool
	Confidence      float64
	Start           time.Duration
	End             time.Duration
	TrailingSilence time.Duration
	Tokens          []Token
	SessionID       string

	// SequenceNumber starts at 1 and increases by one per delivered result
	// for the lifetime of the session, across reconnects.
	SequenceNumber int64
}

// AudioAck is a server acknowledgement of received audio frames.
type AudioAck struct {
	FrameCount int64
	Received   time.Time
}

// SessionInfo is a snapshot of session counters.
type SessionInfo struct {
	SessionID     string
	CompartmentID string
	State         ConnectionState
	ConnectedAt   time.Time
	AudioDuration time.Duration
	ResultCount   int64
}

type pulled struct {
	result TranscriptionResult
	ok     bool
}

// Session is the consumer-facing side of a realtime transcription. Results
// can be observed through typed subscriptions, pulled with [Session.Next],
// or both; every result reaches every subscriber and the pull queue once.
//
// The session ends on a normal close, when reconnection gives up, or on
// Close. After that Next drains the queue and then returns io.EOF.
type Session struct {
	client  *Client
	log     *slog.Logger
	metrics *observe.Metrics
	unsub   func()

	partial      notify.Registry[func(TranscriptionResult)]
	final        notify.Registry[func(TranscriptionResult)]
	result       notify.Registry[func(TranscriptionResult)]
	connected    notify.Registry[func(sessionID string)]
	disconnected notify.Registry[func(reason string)]
	errs         notify.Registry[func(error)]
	acks         notify.Registry[func(AudioAck)]
	reconnecting notify.Registry[func(attempt, maxAttempts int)]

	mu            sync.Mutex
	queue         []TranscriptionResult
	waiters       []chan pulled
	seq           int64
	audio         time.Duration
	lastFinalEnd  time.Duration
	haveFinal     bool
	active        bool
	closeReason   string
	terminated    bool
	terminateOnce sync.Once
	done          chan struct{}
}

// NewSession creates a client for settings and wraps it in a session.
func NewSession(settings Settings, tokens TokenIssuer, opts ...ClientOption) (*Session, error) {
	c, err := NewClient(settings, tokens, opts...)
	if err != nil {
		return nil, err
	}
	s := &Session{
		client:  c,
		log:     c.log,
		metrics: c.metrics,
		done:    make(chan struct{}),
	}
	s.unsub = c.Subscribe(Observer{
		OnStateChange:   s.onStateChange,
		OnAuthenticated: s.onAuthenticated,
		OnMessage:       s.onMessage,
		OnError:         s.emitError,
		OnClosed:        s.onClosed,
		OnReconnecting: func(attempt, maxAttempts int, _ time.Duration) {
			s.reconnecting.Each(func(fn func(int, int)) { fn(attempt, maxAttempts) })
		},
	})
	return s, nil
}

// Client returns the underlying protocol client.
func (s *Session) Client() *Client { return s.client }

// OnPartial subscribes to partial results.
func (s *Session) OnPartial(fn func(TranscriptionResult)) (unsubscribe func()) {
	return s.partial.Add(fn)
}

// OnFinal subscribes to final results.
func (s *Session) OnFinal(fn func(TranscriptionResult)) (unsubscribe func()) {
	return s.final.Add(fn)
}

// OnResult subscribes to every result, partial and final.
func (s *Session) OnResult(fn func(TranscriptionResult)) (unsubscribe func()) {
	return s.result.Add(fn)
}

// OnConnected is called after every successful authentication, including
// reconnects.
func (s *Session) OnConnected(fn func(sessionID string)) (unsubscribe func()) {
	return s.connected.Add(fn)
}

// OnDisconnected is called once, when the session ends.
func (s *Session) OnDisconnected(fn func(reason string)) (unsubscribe func()) {
	return s.disconnected.Add(fn)
}

// OnError receives connection errors and server [*ProtocolError] values.
// A protocol error does not end the session.
func (s *Session) OnError(fn func(error)) (unsubscribe func()) {
	return s.errs.Add(fn)
}

// OnAudioAck receives audio acknowledgements when enabled in [Settings].
func (s *Session) OnAudioAck(fn func(AudioAck)) (unsubscribe func()) {
	return s.acks.Add(fn)
}

// OnReconnecting is called before each scheduled reconnect attempt.
func (s *Session) OnReconnecting(fn func(attempt, maxAttempts int)) (unsubscribe func()) {
	return s.reconnecting.Add(fn)
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect establishes the connection. A session that has ended cannot be
// reconnected; create a new one.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := s.client.Connect(ctx); err != nil {
		s.emitError(err)
		return err
	}
	return nil
}

// SendAudio streams one chunk and adds its estimated duration, derived
// from the configured encoding, to the session total.
func (s *Session) SendAudio(ctx context.Context, audio []byte) error {
	bps := s.client.settings.BytesPerSecond()
	d := time.Duration(len(audio)) * time.Second / time.Duration(bps)
	return s.SendAudioDuration(ctx, audio, d)
}

// SendAudioDuration streams one chunk of known duration. It fails with
// [ErrNotConnected] unless connected; nothing is queued.
func (s *Session) SendAudioDuration(ctx context.Context, audio []byte, d time.Duration) error {
	if err := s.client.SendAudio(ctx, audio); err != nil {
		return err
	}
	s.mu.Lock()
	s.audio += d
	s.mu.Unlock()
	s.metrics.RecordAudio(ctx, d.Seconds())
	return nil
}

// RequestFinalResult asks the server to finalise pending audio.
func (s *Session) RequestFinalResult(ctx context.Context) error {
	return s.client.RequestFinalResult(ctx)
}

// Next returns the next result in arrival order, blocking until one
// arrives. It returns io.EOF once the session has ended and every queued
// result has been returned.
func (s *Session) Next(ctx context.Context) (TranscriptionResult, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return r, nil
	}
	if s.terminated {
		s.mu.Unlock()
		return TranscriptionResult{}, io.EOF
	}
	w := make(chan pulled, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case p := <-w:
		if !p.ok {
			return TranscriptionResult{}, io.EOF
		}
		return p.result, nil
	case <-ctx.Done():
		s.mu.Lock()
		pending := false
		for i, x := range s.waiters {
			if x == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				pending = true
				break
			}
		}
		s.mu.Unlock()
		if !pending {
			// Satisfied concurrently with cancellation; keep the result.
			if p := <-w; p.ok {
				s.requeue(p.result)
			}
		}
		return TranscriptionResult{}, ctx.Err()
	}
}

// Results iterates over results until the session ends or ctx is done. A
// context error is yielded once as the final element.
func (s *Session) Results(ctx context.Context) iter.Seq2[TranscriptionResult, error] {
	return func(yield func(TranscriptionResult, error) bool) {
		for {
			r, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		SessionID:     s.client.SessionID(),
		CompartmentID: s.client.settings.CompartmentID,
		State:         s.client.State(),
		ConnectedAt:   s.client.ConnectedAt(),
	}
	s.mu.Lock()
	info.AudioDuration = s.audio
	info.ResultCount = s.seq
	s.mu.Unlock()
	return info
}

// Close ends the session. With waitForFinal set and a live connection it
// first requests a final result and waits FinalResultGrace for it;
// otherwise the connection is closed without a flush. Close is idempotent
// and the disconnected notification fires once.
//
// Listeners may call Close. They run on the goroutine that delivers
// results, so a Close from a listener should pass waitForFinal=false: no
// further result can arrive while the listener is sleeping.
func (s *Session) Close(ctx context.Context, waitForFinal bool) error {
	if waitForFinal && s.client.State() == StateConnected {
		s.flush(ctx)
	}
	err := s.client.closeNoFlush(ctx)
	s.terminate("session closed")
	return err
}

// flush requests a final result and waits FinalResultGrace for it.
func (s *Session) flush(ctx context.Context) {
	if err := s.client.RequestFinalResult(ctx); err == nil {
		sleep(ctx, s.client.settings.FinalResultGrace)
	}
}

// Transcribe connects if needed, streams every chunk from audio and hands
// each result to fn until the session ends. When audio is closed it
// requests the final result, waits FinalResultGrace and closes the
// session. Chunks arriving while a reconnect is in progress are dropped.
// An error from fn stops the transcription and closes the session.
func (s *Session) Transcribe(ctx context.Context, audio <-chan []byte, fn func(TranscriptionResult) error) error {
	if s.client.State() != StateConnected {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pump(gctx, audio)
	})
	g.Go(func() error {
		for {
			r, err := s.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.Close(closeCtx, false)
	}
	return err
}

func (s *Session) pump(ctx context.Context, audio <-chan []byte) error {
	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				return s.Close(ctx, true)
			}
			err := s.SendAudio(ctx, chunk)
			if errors.Is(err, ErrNotConnected) && s.client.State() == StateReconnecting {
				s.log.Debug("realtime: dropping audio while reconnecting", "bytes", len(chunk))
				continue
			}
			if err != nil {
				return err
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) onStateChange(_, to ConnectionState) {
	switch to {
	case StateDisconnected:
		s.mu.Lock()
		reason := s.closeReason
		s.mu.Unlock()
		if reason == "" {
			reason = "disconnected"
		}
		s.terminate(reason)
	case StateClosed:
		s.terminate("session closed")
	}
}

func (s *Session) onAuthenticated(sessionID string) {
	s.mu.Lock()
	s.haveFinal = false
	s.lastFinalEnd = 0
	first := !s.active
	s.active = true
	s.mu.Unlock()

	if first {
		s.metrics.ActiveRealtimeSessions.Add(context.Background(), 1)
	}
	s.connected.Each(func(fn func(string)) { fn(sessionID) })
}

func (s *Session) onClosed(code int, reason string) {
	if reason == "" {
		reason = fmt.Sprintf("connection closed (%d)", code)
	}
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
}

func (s *Session) onMessage(msg ServerMessage) {
	switch msg := msg.(type) {
	case ResultMessage:
		s.handleResult(msg)
	case AckAudioMessage:
		ack := AudioAck{FrameCount: msg.FrameCount, Received: time.Now()}
		s.acks.Each(func(fn func(AudioAck)) { fn(ack) })
	}
}

func (s *Session) handleResult(msg ResultMessage) {
	sessionID := s.client.SessionID()
	for _, w := range msg.Transcriptions {
		s.mu.Lock()
		if !w.IsFinal && s.haveFinal && w.Start < s.lastFinalEnd {
			lastEnd := s.lastFinalEnd
			s.mu.Unlock()
			s.log.Debug("realtime: dropping stale partial", "start", w.Start, "last_final_end", lastEnd)
			continue
		}
		if w.IsFinal {
			s.haveFinal = true
			s.lastFinalEnd = w.End
		}
		s.seq++
		r := TranscriptionResult{
			Text:            w.Text,
			IsFinal:         w.IsFinal,
			Confidence:      w.Confidence,
			Start:           w.Start,
			End:             w.End,
			TrailingSilence: w.TrailingSilence,
			Tokens:          w.Tokens,
			SessionID:       sessionID,
			SequenceNumber:  s.seq,
		}
		s.mu.Unlock()

		s.metrics.RecordTranscriptionResult(context.Background(), r.IsFinal)
		if r.IsFinal {
			s.final.Each(func(fn func(TranscriptionResult)) { fn(r) })
		} else {
			s.partial.Each(func(fn func(TranscriptionResult)) { fn(r) })
		}
		s.result.Each(func(fn func(TranscriptionResult)) { fn(r) })
		s.enqueue(r)
	}
}

func (s *Session) enqueue(r TranscriptionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- pulled{result: r, ok: true}
		return
	}
	s.queue = append(s.queue, r)
}

// requeue returns a result taken by a cancelled Next to the head of the
// queue.
func (s *Session) requeue(r TranscriptionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- pulled{result: r, ok: true}
		return
	}
	s.queue = append([]TranscriptionResult{r}, s.queue...)
}

func (s *Session) emitError(err error) {
	s.errs.Each(func(fn func(error)) { fn(err) })
}

// terminate marks the pull queue complete, releases waiters and fires the
// disconnected notification. Only the first call has any effect.
func (s *Session) terminate(reason string) {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		waiters := s.waiters
		s.waiters = nil
		wasActive := s.active
		s.active = false
		s.mu.Unlock()

		for _, w := range waiters {
			w <- pulled{}
		}
		close(s.done)
		if wasActive {
			s.metrics.ActiveRealtimeSessions.Add(context.Background(), -1)
		}
		s.log.Info("realtime: session ended", "reason", reason)
		s.disconnected.Each(func(fn func(string)) { fn(reason) })
		s.unsub()
	})
}
