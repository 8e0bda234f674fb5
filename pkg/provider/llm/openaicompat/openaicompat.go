// Package openaicompat provides an LLM provider backed by the
// OpenAI-compatible surface of OCI Generative AI
// ({inference}/20231130/actions/v1).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI wire format.
type Provider struct {
	client  oai.Client
	model   string
	exec    *resilience.Executor
	log     *slog.Logger
	metrics *observe.Metrics
}

// config holds optional configuration for the provider.
type config struct {
	baseURL       string
	region        string
	compartmentID string
	httpClient    *http.Client
	exec          *resilience.Executor
	log           *slog.Logger
	metrics       *observe.Metrics
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the endpoint derived from the region.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithRegion selects the regional endpoint. Default: us-ashburn-1.
func WithRegion(region string) Option {
	return func(c *config) { c.region = region }
}

// WithCompartment sends the compartment OCID with every request.
func WithCompartment(id string) Option {
	return func(c *config) { c.compartmentID = id }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithExecutor sets the executor that applies timeouts and retries.
func WithExecutor(e *resilience.Executor) Option {
	return func(c *config) { c.exec = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New constructs an OpenAI-compatible Provider. apiKey is an OCI
// Generative AI API key.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openaicompat: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openaicompat: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.exec == nil {
		cfg.exec = resilience.NewExecutor(resilience.WithLogger(cfg.log), resilience.WithMetrics(cfg.metrics))
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Transport: observe.NewTransport(nil, cfg.metrics)}
	}
	base := cfg.baseURL
	if base == "" {
		base = ocihttp.OpenAICompatibleEndpoint(cfg.region)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(base),
		option.WithHTTPClient(cfg.httpClient),
		// Retries belong to the executor.
		option.WithMaxRetries(0),
	}
	if cfg.compartmentID != "" {
		reqOpts = append(reqOpts, option.WithHeader("opc-compartment-id", cfg.compartmentID))
	}

	return &Provider{
		client:  oai.NewClient(reqOpts...),
		model:   model,
		exec:    cfg.exec,
		log:     cfg.log,
		metrics: cfg.metrics,
	}, nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}

	const op = "chat.openai.stream"
	s, err := resilience.Do(ctx, p.exec, op, func(attemptCtx context.Context) (*ssestream.Stream[oai.ChatCompletionChunk], error) {
		// The stream must outlive the attempt.
		s := p.client.Chat.Completions.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			return nil, classify(op, err)
		}
		if attemptCtx.Err() != nil {
			s.Close()
			return nil, attemptCtx.Err()
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("openaicompat: start stream: %w", err)
	}
	return &stream{
		s:          s,
		ctx:        ctx,
		includeRaw: req.IncludeRaw,
		metrics:    p.metrics,
		calls:      map[int64]*llm.ToolCall{},
	}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	const op = "chat.openai"
	resp, err := resilience.Do(ctx, p.exec, op, func(ctx context.Context) (*oai.ChatCompletion, error) {
		r, err := p.client.Chat.Completions.New(ctx, params)
		return r, classify(op, err)
	})
	if err != nil {
		return nil, fmt.Errorf("openaicompat: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apierror.New(apierror.KindProtocol, op, "empty choices in response")
	}

	raw := gjson.Parse(resp.RawJSON())
	choice := resp.Choices[0]
	result := &llm.Response{
		Content:         choice.Message.Content,
		Reasoning:       reasoningText(raw.Get("choices.0.message")),
		FinishReason:    llm.MapFinishReason(choice.FinishReason),
		RawFinishReason: choice.FinishReason,
		Usage:           usageFrom(raw.Get("usage")),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for models served on the
// OpenAI-compatible endpoint.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "openai.gpt-oss"):
		caps.MaxOutputTokens = 32_768
		caps.SupportsReasoning = true
	case strings.HasPrefix(lower, "xai.grok-3-mini"):
		caps.ContextWindow = 131_072
		caps.SupportsToolCalling = false
		caps.SupportsReasoning = true
	case strings.HasPrefix(lower, "xai.grok"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "google.gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 65_536
		caps.SupportsReasoning = true
	case strings.HasPrefix(lower, "meta.llama-3-"):
		caps.ContextWindow = 8_192
		caps.SupportsToolCalling = false
	}
	return caps
}

// buildParams converts a Request into OpenAI SDK params.
func (p *Provider) buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	if err := req.Validate(); err != nil {
		return oai.ChatCompletionNewParams{}, apierror.Wrap(apierror.KindValidation, "chat.openai", err)
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.TopP != 0 {
		params.TopP = param.NewOpt(req.TopP)
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = param.NewOpt(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = param.NewOpt(req.PresencePenalty)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}

	if modelCapabilities(p.model).SupportsToolCalling {
		for _, td := range req.Tools {
			params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        td.Name,
					Description: param.NewOpt(td.Description),
					Parameters:  shared.FunctionParameters(td.Parameters),
				},
			})
		}
	} else if len(req.Tools) > 0 {
		p.log.Warn("openaicompat: model does not support tool calling, dropping tools", "model", p.model)
	}

	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil

	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if args == "" {
				args = "{}"
			}
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case llm.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, apierror.Validation("chat.openai", "unknown message role %q", m.Role)
	}
}

// classify maps SDK API errors onto the shared taxonomy.
func classify(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return apierror.FromResponse(op, apiErr.Response, []byte(apiErr.RawJSON()))
	}
	return err
}

// reasoningText reads the non-standard reasoning fields some OCI-hosted
// models add to messages and deltas.
func reasoningText(msg gjson.Result) string {
	for _, key := range []string{"reasoning_content", "reasoning"} {
		if v := msg.Get(key); v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

func usageFrom(u gjson.Result) llm.Usage {
	return llm.Usage{
		PromptTokens:             int(u.Get("prompt_tokens").Int()),
		CompletionTokens:         int(u.Get("completion_tokens").Int()),
		TotalTokens:              int(u.Get("total_tokens").Int()),
		ReasoningTokens:          int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		AcceptedPredictionTokens: int(u.Get("completion_tokens_details.accepted_prediction_tokens").Int()),
		RejectedPredictionTokens: int(u.Get("completion_tokens_details.rejected_prediction_tokens").Int()),
	}
}
