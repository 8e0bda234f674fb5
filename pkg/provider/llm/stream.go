package llm

import (
	"errors"
	"strings"
)

// PartType discriminates [StreamPart] variants.
type PartType string

const (
	PartTextDelta      PartType = "text-delta"
	PartReasoningDelta PartType = "reasoning-delta"
	PartToolCall       PartType = "tool-call"
	PartFinish         PartType = "finish"
	PartRaw            PartType = "raw"
)

// StreamPart is one normalized element of a streamed response. The concrete
// type is one of [TextDelta], [ReasoningDelta], [ToolCallPart], [Finish] or
// [Raw].
type StreamPart interface {
	Type() PartType
	streamPart()
}

// TextDelta is an increment of assistant text.
type TextDelta struct{ Text string }

// ReasoningDelta is an increment of reasoning text.
type ReasoningDelta struct{ Text string }

// ToolCallPart is a complete tool invocation.
type ToolCallPart struct{ ToolCall ToolCall }

// Finish is the last part of a successful stream.
type Finish struct {
	Reason    FinishReason
	RawReason string
	Usage     Usage
}

// Raw carries a payload exactly as received.
type Raw struct{ Data []byte }

func (TextDelta) Type() PartType      { return PartTextDelta }
func (ReasoningDelta) Type() PartType { return PartReasoningDelta }
func (ToolCallPart) Type() PartType   { return PartToolCall }
func (Finish) Type() PartType         { return PartFinish }
func (Raw) Type() PartType            { return PartRaw }

func (TextDelta) streamPart()      {}
func (ReasoningDelta) streamPart() {}
func (ToolCallPart) streamPart()   {}
func (Finish) streamPart()         {}
func (Raw) streamPart()            {}

// Stream is an incremental response. The usage pattern mirrors
// bufio.Scanner:
//
//	defer s.Close()
//	for s.Next() {
//	    switch p := s.Part().(type) { ... }
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next part and reports whether one is available.
	Next() bool

	// Part returns the current part. Valid only after Next returned true.
	Part() StreamPart

	// Err returns the first error that stopped the stream, or nil at a
	// clean end.
	Err() error

	// Close releases the underlying connection. It is safe to call more
	// than once.
	Close() error
}

// Collect drains s into a [Response] and closes it. Text and reasoning
// deltas are concatenated in arrival order.
func Collect(s Stream) (*Response, error) {
	var (
		text      strings.Builder
		reasoning strings.Builder
		resp      Response
	)
	for s.Next() {
		switch p := s.Part().(type) {
		case TextDelta:
			text.WriteString(p.Text)
		case ReasoningDelta:
			reasoning.WriteString(p.Text)
		case ToolCallPart:
			resp.ToolCalls = append(resp.ToolCalls, p.ToolCall)
		case Finish:
			resp.FinishReason = p.Reason
			resp.RawFinishReason = p.RawReason
			resp.Usage = p.Usage
		}
	}
	err := errors.Join(s.Err(), s.Close())
	resp.Content = text.String()
	resp.Reasoning = reasoning.String()
	if err != nil {
		return &resp, err
	}
	return &resp, nil
}

// SliceStream is a [Stream] over a fixed list of parts.
type SliceStream struct {
	parts  []StreamPart
	cur    StreamPart
	err    error
	closed bool
}

// NewSliceStream returns a stream that yields parts and then ends with err.
func NewSliceStream(parts []StreamPart, err error) *SliceStream {
	return &SliceStream{parts: parts, err: err}
}

// Next implements [Stream].
func (s *SliceStream) Next() bool {
	if s.closed || len(s.parts) == 0 {
		s.cur = nil
		return false
	}
	s.cur, s.parts = s.parts[0], s.parts[1:]
	return true
}

// Part implements [Stream].
func (s *SliceStream) Part() StreamPart { return s.cur }

// Err implements [Stream].
func (s *SliceStream) Err() error {
	if len(s.parts) > 0 && !s.closed {
		return nil
	}
	return s.err
}

// Close implements [Stream].
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
