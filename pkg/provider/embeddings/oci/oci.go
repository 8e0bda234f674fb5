// Package oci provides an embeddings provider backed by the OCI Generative
// AI embedText action.
package oci

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
)

const embedPath = "/" + ocihttp.APIVersion + "/actions/embedText"

// MaxInputs is the largest number of texts one embedText call accepts.
const MaxInputs = 96

// InputType tells the model how the embedded text will be used.
type InputType string

const (
	SearchDocument InputType = "SEARCH_DOCUMENT"
	SearchQuery    InputType = "SEARCH_QUERY"
	Classification InputType = "CLASSIFICATION"
	Clustering     InputType = "CLUSTERING"
)

// Truncate selects which end of an over-long input the service cuts.
type Truncate string

const (
	TruncateNone  Truncate = "NONE"
	TruncateStart Truncate = "START"
	TruncateEnd   Truncate = "END"
)

// knownDimensions lists the vector sizes of the embedding models OCI serves.
var knownDimensions = map[string]int{
	"cohere.embed-multilingual-v3.0":       1024,
	"cohere.embed-english-v3.0":            1024,
	"cohere.embed-multilingual-light-v3.0": 384,
	"cohere.embed-english-light-v3.0":      384,
	"cohere.embed-v4.0":                    1536,
}

var (
	_ embeddings.Provider      = (*Provider)(nil)
	_ embeddings.QueryEmbedder = (*Provider)(nil)
)

// Provider implements embeddings.Provider using the OCI embedText API.
type Provider struct {
	client        *ocihttp.Client
	model         string
	compartmentID string
	serving       ocihttp.ServingMode
	inputType     InputType
	truncate      Truncate
	dims          int
	log           *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithInputType sets the input type used by Embed and EmbedBatch.
// Default: SEARCH_DOCUMENT.
func WithInputType(t InputType) Option {
	return func(p *Provider) { p.inputType = t }
}

// WithTruncate sets the truncation side. Default: END.
func WithTruncate(t Truncate) Option {
	return func(p *Provider) { p.truncate = t }
}

// WithDimensions declares the vector size of a model missing from the
// built-in table.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims = n }
}

// WithDedicatedEndpoint serves requests from a dedicated AI cluster endpoint.
func WithDedicatedEndpoint(endpointID string) Option {
	return func(p *Provider) { p.serving = ocihttp.Dedicated(endpointID) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New constructs an embeddings Provider for model in compartmentID.
func New(client *ocihttp.Client, model, compartmentID string, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("oci embeddings: client must not be nil")
	}
	if model == "" {
		return nil, fmt.Errorf("oci embeddings: model must not be empty")
	}
	if compartmentID == "" {
		return nil, apierror.Validation("embed", "compartment id must not be empty")
	}
	p := &Provider{
		client:        client,
		model:         model,
		compartmentID: compartmentID,
		serving:       ocihttp.OnDemand(model),
		inputType:     SearchDocument,
		truncate:      TruncateEnd,
		dims:          knownDimensions[model],
	}
	for _, o := range opts {
		o(p)
	}
	if p.dims <= 0 {
		return nil, apierror.Validation("embed", "unknown embedding model %q; set its dimensions explicitly", model)
	}
	if p.serving.ServingType == "DEDICATED" && p.serving.EndpointID == "" {
		return nil, apierror.Validation("embed", "dedicated serving mode requires an endpoint id")
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

type embedDetails struct {
	Inputs        []string            `json:"inputs"`
	ServingMode   ocihttp.ServingMode `json:"servingMode"`
	CompartmentID string              `json:"compartmentId"`
	Truncate      Truncate            `json:"truncate,omitempty"`
	InputType     InputType           `json:"inputType,omitempty"`
}

type embedResult struct {
	ID         string      `json:"id"`
	ModelID    string      `json:"modelId"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text}, p.inputType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedQuery embeds text with the SEARCH_QUERY input type.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text}, SearchQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. More than [MaxInputs] texts is
// a validation error raised before any request is sent.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, p.inputType)
}

func (p *Provider) embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	if len(texts) > MaxInputs {
		return nil, apierror.Validation("embed", "batch size (%d) exceeds maximum allowed (%d)", len(texts), MaxInputs)
	}
	var res embedResult
	err := p.client.PostJSON(ctx, "embed", embedPath, embedDetails{
		Inputs:        texts,
		ServingMode:   p.serving,
		CompartmentID: p.compartmentID,
		Truncate:      p.truncate,
		InputType:     inputType,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("oci embeddings: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, apierror.New(apierror.KindProtocol, "embed",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(res.Embeddings)))
	}
	p.log.Debug("oci embeddings: embedded",
		"model", p.model, "inputs", len(texts), "estimated_tokens", embeddings.EstimateTokens(texts))
	return res.Embeddings, nil
}

// MaxBatchSize implements embeddings.Provider.
func (p *Provider) MaxBatchSize() int { return MaxInputs }

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }
