// Package openaicompat provides an embeddings provider backed by the
// OpenAI-compatible surface of OCI Generative AI.
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

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
)

// DefaultModel is the default embeddings model.
const DefaultModel = "cohere.embed-multilingual-v3.0"

// maxInputs mirrors the native embedText limit.
const maxInputs = 96

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI wire format.
type Provider struct {
	client oai.Client
	model  string
	exec   *resilience.Executor
}

// config holds optional configuration for the provider.
type config struct {
	baseURL       string
	region        string
	compartmentID string
	httpClient    *http.Client
	exec          *resilience.Executor
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the endpoint derived from the region.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithRegion selects the regional endpoint.
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

// New constructs a new OpenAI-compatible embeddings Provider.
// If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openaicompat embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.exec == nil {
		cfg.exec = resilience.NewExecutor(resilience.WithLogger(slog.Default()))
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Transport: observe.NewTransport(nil, observe.DefaultMetrics())}
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
		option.WithMaxRetries(0),
	}
	if cfg.compartmentID != "" {
		reqOpts = append(reqOpts, option.WithHeader("opc-compartment-id", cfg.compartmentID))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model, exec: cfg.exec}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.create(ctx, oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)})
	if err != nil {
		return nil, fmt.Errorf("openaicompat embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, apierror.New(apierror.KindProtocol, "embed.openai", "empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > maxInputs {
		return nil, apierror.Validation("embed.openai", "batch size (%d) exceeds maximum allowed (%d)", len(texts), maxInputs)
	}

	resp, err := p.create(ctx, oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts})
	if err != nil {
		return nil, fmt.Errorf("openaicompat embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apierror.New(apierror.KindProtocol, "embed.openai",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, apierror.New(apierror.KindProtocol, "embed.openai", fmt.Sprintf("unexpected index %d", e.Index))
		}
		if result[e.Index] != nil {
			return nil, apierror.New(apierror.KindProtocol, "embed.openai", fmt.Sprintf("duplicate index %d", e.Index))
		}
		if len(e.Embedding) == 0 {
			return nil, apierror.New(apierror.KindProtocol, "embed.openai", fmt.Sprintf("empty embedding at index %d", e.Index))
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

func (p *Provider) create(ctx context.Context, input oai.EmbeddingNewParamsInputUnion) (*oai.CreateEmbeddingResponse, error) {
	return resilience.Do(ctx, p.exec, "embed.openai", func(ctx context.Context) (*oai.CreateEmbeddingResponse, error) {
		resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
			Model: p.model,
			Input: input,
		})
		if err != nil {
			var apiErr *oai.Error
			if errors.As(err, &apiErr) && apiErr.Response != nil {
				return nil, apierror.FromResponse("embed.openai", apiErr.Response, []byte(apiErr.RawJSON()))
			}
			return nil, err
		}
		return resp, nil
	})
}

// MaxBatchSize implements embeddings.Provider.
func (p *Provider) MaxBatchSize() int { return maxInputs }

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the embedding dimensions for known models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "embed-v4"):
		return 1536
	case strings.Contains(lower, "light-v3"):
		return 384
	case strings.Contains(lower, "embed-"):
		return 1024
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	default:
		return 1536
	}
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
