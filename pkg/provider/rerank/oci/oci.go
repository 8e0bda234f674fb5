// Package oci provides a rerank provider backed by the OCI Generative AI
// rerankText action.
package oci

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/rerank"
)

const rerankPath = "/" + ocihttp.APIVersion + "/actions/rerankText"

// DefaultModel is the rerank model served on demand.
const DefaultModel = "cohere.rerank-v3.5"

// maxDocuments lists per-model document limits.
var maxDocuments = map[string]int{
	"cohere.rerank-v3.5": 1000,
}

var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider using the OCI rerankText API.
type Provider struct {
	client        *ocihttp.Client
	model         string
	compartmentID string
	serving       ocihttp.ServingMode
	log           *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithDedicatedEndpoint serves requests from a dedicated AI cluster endpoint.
func WithDedicatedEndpoint(endpointID string) Option {
	return func(p *Provider) { p.serving = ocihttp.Dedicated(endpointID) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New constructs a rerank Provider. An empty model selects DefaultModel.
func New(client *ocihttp.Client, model, compartmentID string, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("oci rerank: client must not be nil")
	}
	if model == "" {
		model = DefaultModel
	}
	if compartmentID == "" {
		return nil, apierror.Validation("rerank", "compartment id must not be empty")
	}
	p := &Provider{
		client:        client,
		model:         model,
		compartmentID: compartmentID,
		serving:       ocihttp.OnDemand(model),
	}
	for _, o := range opts {
		o(p)
	}
	if p.serving.ServingType == "DEDICATED" && p.serving.EndpointID == "" {
		return nil, apierror.Validation("rerank", "dedicated serving mode requires an endpoint id")
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

type rerankDetails struct {
	ServingMode   ocihttp.ServingMode `json:"servingMode"`
	CompartmentID string              `json:"compartmentId"`
	Input         string              `json:"input"`
	Documents     []string            `json:"documents"`
	TopN          int                 `json:"topN,omitempty"`
	IsEcho        bool                `json:"isEcho"`
}

type rerankResult struct {
	ID            string `json:"id"`
	ModelID       string `json:"modelId"`
	DocumentRanks []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevanceScore"`
		Document       *struct {
			Text string `json:"text"`
		} `json:"document"`
	} `json:"documentRanks"`
}

// Rerank implements rerank.Provider. Requests over the model's document
// limit fail validation before any network call.
func (p *Provider) Rerank(ctx context.Context, req rerank.Request) ([]rerank.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, "rerank", err)
	}
	if limit := p.MaxDocuments(); limit > 0 && len(req.Documents) > limit {
		return nil, apierror.Validation("rerank", "document count (%d) exceeds maximum allowed (%d)", len(req.Documents), limit)
	}

	var res rerankResult
	err := p.client.PostJSON(ctx, "rerank", rerankPath, rerankDetails{
		ServingMode:   p.serving,
		CompartmentID: p.compartmentID,
		Input:         req.Query,
		Documents:     req.Documents,
		TopN:          req.TopN,
		IsEcho:        req.ReturnDocuments,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("oci rerank: %w", err)
	}

	out := make([]rerank.Result, 0, len(res.DocumentRanks))
	for _, r := range res.DocumentRanks {
		if r.Index < 0 || r.Index >= len(req.Documents) {
			return nil, apierror.New(apierror.KindProtocol, "rerank", fmt.Sprintf("document index %d out of range", r.Index))
		}
		result := rerank.Result{Index: r.Index, Score: r.RelevanceScore}
		if r.Document != nil {
			result.Document = r.Document.Text
		}
		out = append(out, result)
	}
	slices.SortStableFunc(out, func(a, b rerank.Result) int { return cmp.Compare(b.Score, a.Score) })
	p.log.Debug("oci rerank: ranked", "model", p.model, "documents", len(req.Documents), "results", len(out))
	return out, nil
}

// MaxDocuments implements rerank.Provider.
func (p *Provider) MaxDocuments() int { return maxDocuments[p.model] }

// ModelID implements rerank.Provider.
func (p *Provider) ModelID() string { return p.model }
