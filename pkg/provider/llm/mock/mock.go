// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send the expected
// Requests and to feed controlled responses without a live backend.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    GenerateResponse: &llm.Response{Content: "Hello!"},
//	}
//	resp, err := p.Generate(ctx, req)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

// Call records a single invocation of Stream or Generate.
type Call struct {
	Ctx context.Context
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// StreamParts are yielded in order by the stream returned from Stream.
	StreamParts []llm.StreamPart

	// StreamEndErr, if non-nil, is reported by the stream's Err once all
	// StreamParts have been yielded.
	StreamEndErr error

	// StreamErr, if non-nil, is returned from Stream instead of a stream.
	StreamErr error

	// GenerateResponse is returned by Generate. May be nil (returns nil, nil).
	GenerateResponse *llm.Response

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []Call

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []Call

	// CountTokensCalls records the messages of every CountTokens call.
	CountTokensCalls [][]llm.Message
}

// Stream records the call and returns a stream over a copy of StreamParts.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	return llm.NewSliceStream(slices.Clone(p.StreamParts), p.StreamEndErr), nil
}

// Generate records the call and returns GenerateResponse, GenerateErr.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = append(p.GenerateCalls, Call{Ctx: ctx, Req: req})
	return p.GenerateResponse, p.GenerateErr
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, slices.Clone(messages))
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.GenerateCalls = nil
	p.CountTokensCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
