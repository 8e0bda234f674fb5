package openaicompat

import (
	"context"
	"slices"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

// stream adapts an SDK chunk stream to [llm.Stream]. Tool-call fragments
// are accumulated by index and emitted whole once the choice finishes.
type stream struct {
	s          *ssestream.Stream[oai.ChatCompletionChunk]
	ctx        context.Context
	includeRaw bool
	metrics    *observe.Metrics

	pending []llm.StreamPart
	cur     llm.StreamPart
	done    bool
	err     error

	calls map[int64]*llm.ToolCall
	order []int64

	finishSeen bool
	rawReason  string
	usageSeen  bool
	usage      llm.Usage
}

func (s *stream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.cur, s.pending = s.pending[0], s.pending[1:]
			s.metrics.RecordStreamPart(s.ctx, string(s.cur.Type()))
			return true
		}
		if s.done {
			s.cur = nil
			return false
		}
		if s.s.Next() {
			s.handle(s.s.Current())
			continue
		}
		s.done = true
		if err := s.s.Err(); err != nil {
			s.err = classify("chat.openai.stream", err)
			continue
		}
		s.flushCalls()
		if s.finishSeen || s.usageSeen {
			reason := llm.FinishOther
			if s.finishSeen {
				reason = llm.MapFinishReason(s.rawReason)
			}
			s.pending = append(s.pending, llm.Finish{Reason: reason, RawReason: s.rawReason, Usage: s.usage})
		}
	}
}

func (s *stream) Part() llm.StreamPart { return s.cur }

func (s *stream) Err() error { return s.err }

func (s *stream) Close() error {
	s.done = true
	s.pending = nil
	return s.s.Close()
}

func (s *stream) handle(chunk oai.ChatCompletionChunk) {
	raw := chunk.RawJSON()
	if s.includeRaw {
		s.pending = append(s.pending, llm.Raw{Data: []byte(raw)})
	}
	root := gjson.Parse(raw)

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if r := reasoningText(root.Get("choices.0.delta")); r != "" {
			s.pending = append(s.pending, llm.ReasoningDelta{Text: r})
		}
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, llm.TextDelta{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := s.calls[tc.Index]
			if !ok {
				acc = &llm.ToolCall{}
				s.calls[tc.Index] = acc
				s.order = append(s.order, tc.Index)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			s.finishSeen = true
			s.rawReason = choice.FinishReason
			s.flushCalls()
		}
	}
	if u := root.Get("usage"); u.IsObject() {
		s.usageSeen = true
		s.usage = usageFrom(u)
	}
}

// flushCalls emits accumulated tool calls in index order, synthesizing
// IDs the backend left out.
func (s *stream) flushCalls() {
	slices.Sort(s.order)
	for _, idx := range s.order {
		tc := *s.calls[idx]
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		}
		if tc.ID == "" {
			tc.ID = uuid.NewString()
		}
		s.pending = append(s.pending, llm.ToolCallPart{ToolCall: tc})
	}
	s.order = s.order[:0]
	clear(s.calls)
}
