package resilience

import (
	"context"

	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over from the native OCI chat
// surface to the OpenAI-compatible one. Each entry is guarded by its own
// circuit breaker. Errors for which [FailsOver] is false, such as
// validation errors, are returned from the first entry that produced them.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.Response, error) {
		return p.Generate(ctx, req)
	})
}

// Stream opens a stream on the first healthy provider. Only opening the
// stream is covered by failover. Once a part has reached the caller another
// backend cannot resume mid-answer without repeating text, so errors from
// Next are reported by the stream itself and do not trip the breaker.
func (f *LLMFallback) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (llm.Stream, error) {
		return p.Stream(ctx, req)
	})
}

// CountTokens uses the first provider whose breaker admits the call.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
