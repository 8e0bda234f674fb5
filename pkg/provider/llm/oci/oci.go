// Package oci provides an LLM provider backed by the native OCI Generative
// AI chat API.
//
// Cohere models ("cohere.*") are addressed with the COHERE request format;
// every other model family uses GENERIC. Streaming responses are decoded by
// [Decoder].
package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

const chatPath = "/" + ocihttp.APIVersion + "/actions/chat"

// ServingType selects how the model is addressed.
type ServingType string

const (
	// OnDemand addresses a shared base model by model ID.
	OnDemand ServingType = "ON_DEMAND"

	// Dedicated addresses a dedicated AI cluster endpoint by endpoint ID.
	Dedicated ServingType = "DEDICATED"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the native OCI chat API.
type Provider struct {
	client        *ocihttp.Client
	model         string
	compartmentID string
	serving       ServingType
	endpointID    string
	cohere        bool
	log           *slog.Logger
	metrics       *observe.Metrics
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithDedicatedEndpoint serves requests from a dedicated AI cluster
// endpoint instead of the on-demand model.
func WithDedicatedEndpoint(endpointID string) Option {
	return func(p *Provider) {
		p.serving = Dedicated
		p.endpointID = endpointID
	}
}

// WithServingType sets the serving type explicitly.
func WithServingType(t ServingType) Option {
	return func(p *Provider) { p.serving = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMetrics sets the metrics sink used by streams.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// New constructs a native OCI chat Provider for model in compartmentID.
// client must point at the regional inference endpoint.
func New(client *ocihttp.Client, model, compartmentID string, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("oci: client must not be nil")
	}
	if model == "" {
		return nil, fmt.Errorf("oci: model must not be empty")
	}
	if compartmentID == "" {
		return nil, apierror.Validation("chat", "compartment id must not be empty")
	}
	p := &Provider{
		client:        client,
		model:         model,
		compartmentID: compartmentID,
		serving:       OnDemand,
		cohere:        strings.HasPrefix(strings.ToLower(model), "cohere."),
	}
	for _, o := range opts {
		o(p)
	}
	switch p.serving {
	case OnDemand:
	case Dedicated:
		if p.endpointID == "" {
			return nil, apierror.Validation("chat", "dedicated serving mode requires an endpoint id")
		}
	default:
		return nil, apierror.Validation("chat", "unknown serving type %q", p.serving)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Model returns the configured model ID.
func (p *Provider) Model() string { return p.model }

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	details, err := p.details(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.PostStream(ctx, "chat.stream", chatPath, details)
	if err != nil {
		return nil, fmt.Errorf("oci: start stream: %w", err)
	}
	p.log.Debug("oci: chat stream opened", "model", p.model, "request_id", resp.Header.Get("opc-request-id"))
	return NewDecoder(resp,
		IncludeRaw(req.IncludeRaw),
		WithDecoderLogger(p.log),
		WithDecoderMetrics(p.metrics),
	), nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	details, err := p.details(req, false)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := p.client.PostJSON(ctx, "chat", chatPath, details, &raw); err != nil {
		return nil, fmt.Errorf("oci: chat: %w", err)
	}
	return parseChatResponse(raw)
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) details(req llm.Request, stream bool) (chatDetails, error) {
	if err := req.Validate(); err != nil {
		return chatDetails{}, apierror.Wrap(apierror.KindValidation, "chat", err)
	}
	tools := len(req.Tools) > 0 && modelCapabilities(p.model).SupportsToolCalling
	if len(req.Tools) > 0 && !tools {
		p.log.Warn("oci: model does not support tool calling, dropping tools", "model", p.model)
	}

	d := chatDetails{
		CompartmentID: p.compartmentID,
		ServingMode:   ocihttp.OnDemand(p.model),
	}
	if p.serving == Dedicated {
		d.ServingMode = ocihttp.Dedicated(p.endpointID)
	}

	if p.cohere {
		r, err := buildCohere(req, tools)
		if err != nil {
			return chatDetails{}, err
		}
		r.IsStream = stream
		d.ChatRequest = r
		return d, nil
	}
	r, err := buildGeneric(req, tools)
	if err != nil {
		return chatDetails{}, err
	}
	r.IsStream = stream
	d.ChatRequest = r
	return d, nil
}

// parseChatResponse reads both the current (chatResult.chatResponse) and
// legacy (chatResponse) envelopes in either request format.
func parseChatResponse(body []byte) (*llm.Response, error) {
	root := gjson.ParseBytes(body)
	cr := root.Get("chatResult.chatResponse")
	if !cr.IsObject() {
		cr = root.Get("chatResponse")
	}
	if !cr.IsObject() {
		return nil, apierror.New(apierror.KindProtocol, "chat", "response carries no chatResponse")
	}

	resp := &llm.Response{}
	var calls gjson.Result
	if text := cr.Get("text"); text.Type == gjson.String {
		resp.Content = text.Str
		resp.RawFinishReason = firstString(cr.Get("finishReason"), "COMPLETE")
		calls = cr.Get("toolCalls")
	} else {
		choice := cr.Get("choices.0")
		if !choice.Exists() {
			choice = cr.Get("chatChoice.0")
		}
		msg := choice.Get("message")
		var text, reasoning strings.Builder
		reasoning.WriteString(msg.Get("reasoningContent").String())
		msg.Get("content").ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "THINKING":
				reasoning.WriteString(firstString(item.Get("thinking"), item.Get("text").String()))
			case "TEXT", "":
				text.WriteString(item.Get("text").String())
			}
			return true
		})
		resp.Content = text.String()
		resp.Reasoning = reasoning.String()
		resp.RawFinishReason = firstString(choice.Get("finishReason"), "STOP")
		calls = msg.Get("toolCalls")
	}
	resp.FinishReason = llm.MapFinishReason(resp.RawFinishReason)
	calls.ForEach(func(_, call gjson.Result) bool {
		if tc, ok := toolCall(call); ok {
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
		return true
	})
	mergeUsage(&resp.Usage, cr.Get("usage"))
	return resp, nil
}

func firstString(v gjson.Result, fallback string) string {
	if v.Type == gjson.String && v.Str != "" {
		return v.Str
	}
	return fallback
}

// modelCapabilities returns ModelCapabilities for known OCI model IDs.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_000,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "xai.grok-3-mini"):
		caps.ContextWindow = 131_072
		caps.SupportsToolCalling = false
		caps.SupportsReasoning = true
	case strings.HasPrefix(lower, "xai.grok-4.1-fast"):
		caps.ContextWindow = 2_000_000
		caps.MaxOutputTokens = 30_000
		caps.SupportsReasoning = true
	case strings.HasPrefix(lower, "xai.grok"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 16_000
	case strings.HasPrefix(lower, "google.gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 65_536
		caps.SupportsReasoning = true
	case strings.HasPrefix(lower, "cohere.command-a"):
		caps.ContextWindow = 256_000
		caps.MaxOutputTokens = 8_000
	case strings.HasPrefix(lower, "cohere.command-r"):
		caps.ContextWindow = 128_000
	case strings.HasPrefix(lower, "meta.llama-3-"), strings.HasPrefix(lower, "meta.llama-3.0"):
		caps.ContextWindow = 8_192
		caps.SupportsToolCalling = false
	case strings.HasPrefix(lower, "meta.llama"):
		caps.ContextWindow = 128_000
	case strings.HasPrefix(lower, "openai.gpt-oss"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 32_000
		caps.SupportsReasoning = true
	}
	return caps
}
