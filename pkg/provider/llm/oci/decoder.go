package oci

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Stream = (*Decoder)(nil)

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// IncludeRaw makes the decoder emit an [llm.Raw] part for every payload,
// including payloads that are not valid JSON.
func IncludeRaw(on bool) DecoderOption {
	return func(d *Decoder) { d.includeRaw = on }
}

// WithDecoderLogger sets the logger used for dropped payloads.
func WithDecoderLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.log = l }
}

// WithDecoderMetrics sets the sink for emitted part counts.
func WithDecoderMetrics(m *observe.Metrics) DecoderOption {
	return func(d *Decoder) { d.metrics = m }
}

// Decoder turns an OCI chat server-sent-event body into [llm.StreamPart]
// values. Parts become available as soon as their event has been framed;
// the single [llm.Finish] part is held back until the body ends.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	events     ssestream.Decoder
	ctx        context.Context
	includeRaw bool
	log        *slog.Logger
	metrics    *observe.Metrics

	pending []llm.StreamPart
	cur     llm.StreamPart
	done    bool
	err     error

	finishSeen bool
	rawReason  string
	usageSeen  bool
	usage      llm.Usage
}

// NewDecoder returns a Decoder reading resp.Body. Closing the decoder
// closes the body.
func NewDecoder(resp *http.Response, opts ...DecoderOption) *Decoder {
	d := &Decoder{ctx: context.Background()}
	if resp != nil {
		d.events = ssestream.NewDecoder(resp)
		if resp.Request != nil {
			d.ctx = resp.Request.Context()
		}
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Next implements [llm.Stream].
func (d *Decoder) Next() bool {
	for {
		if len(d.pending) > 0 {
			d.cur, d.pending = d.pending[0], d.pending[1:]
			d.metrics.RecordStreamPart(d.ctx, string(d.cur.Type()))
			return true
		}
		if d.done {
			d.cur = nil
			return false
		}
		if d.events != nil && d.events.Next() {
			d.handle(d.events.Event().Data)
			continue
		}
		d.done = true
		if d.events != nil {
			if err := d.events.Err(); err != nil {
				d.err = apierror.Wrap(apierror.KindNetwork, "chat.stream", err)
				continue
			}
		}
		if d.finishSeen || d.usageSeen {
			d.pending = append(d.pending, llm.Finish{
				Reason:    d.finishReason(),
				RawReason: d.rawReason,
				Usage:     d.usage,
			})
		}
	}
}

// Part implements [llm.Stream].
func (d *Decoder) Part() llm.StreamPart { return d.cur }

// Err implements [llm.Stream].
func (d *Decoder) Err() error { return d.err }

// Close implements [llm.Stream].
func (d *Decoder) Close() error {
	d.done = true
	d.pending = nil
	if d.events == nil {
		return nil
	}
	return d.events.Close()
}

func (d *Decoder) finishReason() llm.FinishReason {
	if !d.finishSeen {
		return llm.FinishOther
	}
	return llm.MapFinishReason(d.rawReason)
}

// handle normalizes one event payload into pending parts.
func (d *Decoder) handle(data []byte) {
	payload := bytes.TrimSpace(data)
	if len(payload) == 0 || string(payload) == "[DONE]" {
		return
	}
	if !gjson.ValidBytes(payload) {
		d.log.Debug("oci: dropping malformed stream payload", "bytes", len(payload))
		if d.includeRaw {
			d.pending = append(d.pending, llm.Raw{Data: bytes.Clone(payload)})
		}
		return
	}
	if d.includeRaw {
		d.pending = append(d.pending, llm.Raw{Data: bytes.Clone(payload)})
	}

	root := gjson.ParseBytes(payload)
	choice, usage := root, root.Get("usage")
	if cr := root.Get("chatResponse"); cr.IsObject() {
		choice, usage = cr, cr.Get("usage")
		if first := cr.Get("chatChoice.0"); first.Exists() {
			choice = first
		}
	}
	msg := choice.Get("message")

	if rc := msg.Get("reasoningContent"); rc.Type == gjson.String && rc.Str != "" {
		d.pending = append(d.pending, llm.ReasoningDelta{Text: rc.Str})
	}
	for _, key := range []string{"text", "textDelta"} {
		if t := choice.Get(key); t.Type == gjson.String && t.Str != "" {
			d.pending = append(d.pending, llm.TextDelta{Text: t.Str})
		}
	}
	msg.Get("content").ForEach(func(_, item gjson.Result) bool {
		d.content(item)
		return true
	})

	calls := msg.Get("toolCalls")
	if !calls.IsArray() {
		calls = choice.Get("toolCalls")
	}
	calls.ForEach(func(_, call gjson.Result) bool {
		if tc, ok := toolCall(call); ok {
			d.pending = append(d.pending, llm.ToolCallPart{ToolCall: tc})
		}
		return true
	})

	if fr := choice.Get("finishReason"); fr.Type == gjson.String && fr.Str != "" {
		d.finishSeen = true
		d.rawReason = fr.Str
	}
	if usage.IsObject() {
		d.usageSeen = true
		mergeUsage(&d.usage, usage)
	}
}

func (d *Decoder) content(item gjson.Result) {
	text := item.Get("text")
	switch item.Get("type").String() {
	case "THINKING":
		if t := item.Get("thinking"); t.Type == gjson.String && t.Str != "" {
			text = t
		}
		if text.Str != "" {
			d.pending = append(d.pending, llm.ReasoningDelta{Text: text.Str})
		}
	case "TEXT", "":
		if text.Type == gjson.String && text.Str != "" {
			d.pending = append(d.pending, llm.TextDelta{Text: text.Str})
		}
	}
}

// toolCall normalizes either a GENERIC function call
// ({id, type, name, arguments}) or a Cohere call ({name, parameters}).
func toolCall(call gjson.Result) (llm.ToolCall, bool) {
	fn := call
	if f := call.Get("function"); f.IsObject() {
		fn = f
	}
	name := fn.Get("name").String()
	if name == "" {
		return llm.ToolCall{}, false
	}

	tc := llm.ToolCall{ID: call.Get("id").String(), Name: name}
	switch args := fn.Get("arguments"); {
	case args.Type == gjson.String && args.Str != "":
		tc.Arguments = args.Str
	case args.IsObject():
		tc.Arguments = args.Raw
	case fn.Get("parameters").IsObject():
		tc.Arguments = fn.Get("parameters").Raw
	default:
		tc.Arguments = "{}"
	}
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	return tc, true
}

// mergeUsage copies every counter present in u into dst. Absent counters
// keep their previous value.
func mergeUsage(dst *llm.Usage, u gjson.Result) {
	set := func(field *int, paths ...string) {
		for _, p := range paths {
			if v := u.Get(p); v.Exists() && v.Type == gjson.Number {
				*field = int(v.Int())
				return
			}
		}
	}
	set(&dst.PromptTokens, "promptTokens", "promptTokenCount", "prompt_tokens")
	set(&dst.CompletionTokens, "completionTokens", "completionTokenCount", "completion_tokens")
	set(&dst.TotalTokens, "totalTokens", "total_tokens")
	set(&dst.ReasoningTokens, "completionTokensDetails.reasoningTokens")
	set(&dst.AcceptedPredictionTokens, "completionTokensDetails.acceptedPredictionTokens")
	set(&dst.RejectedPredictionTokens, "completionTokensDetails.rejectedPredictionTokens")
}
