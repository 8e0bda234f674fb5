// Package llm defines the Provider interface for OCI Generative AI chat
// backends.
//
// Two implementations exist: the native OCI chat API (package oci) and the
// OpenAI-compatible endpoint (package openaicompat). Both emit the same
// [StreamPart] union so callers can switch wire formats without touching
// their consumption loop.
//
// Implementors must be safe for concurrent use. A [Stream] is not; it is
// owned by the goroutine that opened it and must be closed by that goroutine.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Usage holds token accounting returned by the backend. Fields the backend
// did not report stay zero.
type Usage struct {
	PromptTokens     int
	CompletionTokens int

	// TotalTokens is reported by the backend when available; otherwise it is
	// PromptTokens + CompletionTokens.
	TotalTokens int

	ReasoningTokens          int
	AcceptedPredictionTokens int
	RejectedPredictionTokens int
}

// Total returns TotalTokens, falling back to the sum of prompt and
// completion tokens.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// FinishReason is the normalized reason generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
)

// MapFinishReason normalizes a backend finish reason. Matching ignores case,
// so both OCI ("TOOL_CALLS") and OpenAI ("tool_calls") spellings map.
// Unrecognized values map to [FinishOther].
func MapFinishReason(raw string) FinishReason {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "STOP", "COMPLETE", "END_TURN":
		return FinishStop
	case "LENGTH", "MAX_TOKENS":
		return FinishLength
	case "CONTENT_FILTER":
		return FinishContentFilter
	case "TOOL_CALLS", "TOOL_CALL":
		return FinishToolCalls
	case "ERROR":
		return FinishError
	default:
		return FinishOther
	}
}

// Request carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type Request struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of function definitions offered to the model.
	Tools []ToolDefinition

	// SystemPrompt is injected before the conversation history.
	SystemPrompt string

	// Temperature controls randomness. Zero means the backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the backend default.
	MaxTokens int

	TopP             float64
	TopK             int
	FrequencyPenalty float64
	PresencePenalty  float64
	StopSequences    []string

	// IncludeRaw makes streams emit a [Raw] part for every payload received,
	// including payloads that could not be parsed.
	IncludeRaw bool
}

// Validate reports request errors that would be rejected by every backend.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("llm: request has no messages")
	}
	return nil
}

// Response is the result of a non-streaming generation.
type Response struct {
	// Content is the full assistant text. Empty when the model responded
	// only with tool calls.
	Content string

	// Reasoning is the model's reasoning text, when the model exposes it.
	Reasoning string

	ToolCalls []ToolCall

	FinishReason    FinishReason
	RawFinishReason string

	Usage Usage
}

// Provider is the abstraction over a chat backend.
type Provider interface {
	// Stream sends req and returns an incremental [Stream]. The error return
	// is non-nil only for failures that prevent the stream from starting;
	// later failures are reported by [Stream.Err].
	Stream(ctx context.Context, req Request) (Stream, error)

	// Generate sends req and waits for the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// CountTokens estimates the prompt size of messages. The result need not
	// be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata for the configured model.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates the token count of messages at four
// characters per token plus a small per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		chars := len(m.Content) + len(m.Role) + len(m.Name)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		total += (chars+3)/4 + 4
	}
	return total
}
