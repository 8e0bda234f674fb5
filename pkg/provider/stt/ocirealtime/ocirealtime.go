// Package ocirealtime exposes OCI realtime speech transcription through the
// generic [stt.Provider] interface.
package ocirealtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/stt"
	"github.com/acedergren/ocigenai/pkg/realtime"
)

// closeTimeout bounds Close, including the wait for the last final result.
const closeTimeout = 5 * time.Second

// partialBuffer is how many partials may queue before newer ones are
// dropped. Finals are never dropped.
const partialBuffer = 16

var _ stt.Provider = (*Provider)(nil)

// Provider starts realtime transcription sessions.
type Provider struct {
	settings realtime.Settings
	tokens   realtime.TokenIssuer
	opts     []realtime.ClientOption
	log      *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLogger sets the logger, also passed to every session.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithClientOptions adds options applied to every session's client.
func WithClientOptions(opts ...realtime.ClientOption) Option {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// New returns a Provider that opens sessions with settings, minting a
// session token from tokens for every connection.
func New(settings realtime.Settings, tokens realtime.TokenIssuer, opts ...Option) (*Provider, error) {
	if tokens == nil {
		return nil, fmt.Errorf("ocirealtime: token issuer must not be nil")
	}
	p := &Provider{settings: settings.WithDefaults(), tokens: tokens}
	for _, o := range opts {
		o(p)
	}
	if err := p.settings.Validate(); err != nil {
		return nil, err
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// StartStream implements stt.Provider. It connects before returning, so
// authentication failures surface here.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	settings, err := p.settingsFor(cfg)
	if err != nil {
		return nil, err
	}
	opts := append([]realtime.ClientOption{realtime.WithLogger(p.log)}, p.opts...)
	sess, err := realtime.NewSession(settings, p.tokens, opts...)
	if err != nil {
		return nil, err
	}
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close(context.WithoutCancel(ctx), false)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		sess:     sess,
		log:      p.log,
		partials: make(chan stt.Transcript, partialBuffer),
		finals:   make(chan stt.Transcript, partialBuffer),
		ctx:      runCtx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	h.unsub = sess.OnError(h.setErr)
	go h.run()
	return h, nil
}

func (p *Provider) settingsFor(cfg stt.StreamConfig) (realtime.Settings, error) {
	s := p.settings
	if cfg.Channels > 1 {
		return s, apierror.Validation("stt.start", "realtime transcription accepts mono audio only, got %d channels", cfg.Channels)
	}
	if cfg.Language != "" {
		s.Language = cfg.Language
	}
	if cfg.SampleRate != 0 && cfg.SampleRate != sampleRate(s.Encoding) {
		switch cfg.SampleRate {
		case 16000:
			s.Encoding = realtime.EncodingPCM16k
		case 8000:
			s.Encoding = realtime.EncodingPCM8k
		default:
			return s, apierror.Validation("stt.start", "unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
		}
	}
	s.Customizations = slices.Clone(s.Customizations)
	for _, v := range cfg.Vocabularies {
		s.Customizations = append(s.Customizations, realtime.Customization{CustomizationID: v.ID, Weight: v.Weight})
	}
	return s, nil
}

func sampleRate(encoding string) int {
	if encoding == realtime.EncodingPCM16k {
		return 16000
	}
	return 8000
}

// handle adapts a realtime.Session to stt.SessionHandle.
type handle struct {
	sess  *realtime.Session
	log   *slog.Logger
	unsub func()

	partials chan stt.Transcript
	finals   chan stt.Transcript

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

func (h *handle) run() {
	defer close(h.finished)
	defer close(h.partials)
	defer close(h.finals)
	for {
		r, err := h.sess.Next(h.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				h.setErr(err)
			}
			return
		}
		t := toTranscript(r)
		if !t.IsFinal {
			select {
			case h.partials <- t:
			default:
				h.log.Debug("ocirealtime: partial dropped, consumer is behind", "seq", t.Sequence)
			}
			continue
		}
		select {
		case h.finals <- t:
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// SendAudio implements stt.SessionHandle.
func (h *handle) SendAudio(chunk []byte) error {
	select {
	case <-h.sess.Done():
		return stt.ErrSessionClosed
	default:
	}
	err := h.sess.SendAudio(h.ctx, chunk)
	if errors.Is(err, realtime.ErrClosed) {
		return stt.ErrSessionClosed
	}
	return err
}

// Partials implements stt.SessionHandle.
func (h *handle) Partials() <-chan stt.Transcript { return h.partials }

// Finals implements stt.SessionHandle.
func (h *handle) Finals() <-chan stt.Transcript { return h.finals }

// Err implements stt.SessionHandle.
func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close implements stt.SessionHandle. Results still queued in the session
// are delivered before the channels close, as long as they are consumed
// within the close timeout.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		h.closeErr = h.sess.Close(ctx, true)
		select {
		case <-h.finished:
		case <-ctx.Done():
		}
		h.cancel()
		<-h.finished
		h.unsub()
	})
	return h.closeErr
}

func toTranscript(r realtime.TranscriptionResult) stt.Transcript {
	t := stt.Transcript{
		Text:       r.Text,
		IsFinal:    r.IsFinal,
		Confidence: r.Confidence,
		Timestamp:  r.Start,
		Duration:   r.End - r.Start,
		Sequence:   r.SequenceNumber,
	}
	if len(r.Tokens) > 0 {
		t.Words = make([]stt.WordDetail, len(r.Tokens))
		for i, tok := range r.Tokens {
			t.Words[i] = stt.WordDetail{Word: tok.Token, Start: tok.Start, End: tok.End, Confidence: tok.Confidence}
		}
	}
	return t
}
