// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw audio frames and emits two streams of
// Transcript values: low-latency partials for responsiveness and
// authoritative finals for the transcript log.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Zero keeps the provider's
	// configured encoding.
	SampleRate int

	// Channels is the number of audio channels. Only mono is accepted by the
	// OCI realtime service.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	// An empty string keeps the provider default.
	Language string

	// Vocabularies reference provider-side custom vocabularies that raise
	// recognition probability for uncommon words.
	Vocabularies []Vocabulary
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes matching the agreed
	// StreamConfig. Calling SendAudio after the session ended returns
	// ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials emits interim Transcript values. The channel is closed when
	// the session ends.
	Partials() <-chan Transcript

	// Finals emits authoritative Transcript values. The channel is closed
	// when the session ends.
	Finals() <-chan Transcript

	// Err returns the last error the session reported, or nil.
	Err() error

	// Close flushes pending audio, waits briefly for the last final result
	// and releases all resources. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
