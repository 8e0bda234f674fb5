// Package mock provides a test double for the embeddings.Provider interface.
//
// Provider returns deterministic vectors derived from the input text, so the
// same text always embeds to the same point, and records every batch it was
// asked to embed.
//
// Example:
//
//	p := &mock.Provider{Dims: 8, BatchSize: 96}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector length. Zero means 4.
	Dims int

	// BatchSize is returned by MaxBatchSize. Zero means unlimited.
	BatchSize int

	// Model is returned by ModelID.
	Model string

	// Vectors overrides the derived vector for specific texts.
	Vectors map[string][]float32

	// Err, if non-nil, is returned by every embedding call.
	Err error

	// Batches records the texts of every EmbedBatch call, including the
	// single-text batches issued by Embed.
	Batches [][]string

	// Queries records every EmbedQuery text.
	Queries []string
}

var (
	_ embeddings.Provider      = (*Provider)(nil)
	_ embeddings.QueryEmbedder = (*Provider)(nil)
)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Batches = append(p.Batches, slices.Clone(texts))
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// EmbedQuery implements embeddings.QueryEmbedder.
func (p *Provider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queries = append(p.Queries, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// MaxBatchSize implements embeddings.Provider.
func (p *Provider) MaxBatchSize() int { return p.BatchSize }

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims <= 0 {
		return 4
	}
	return p.Dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.Model }

func (p *Provider) vector(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return slices.Clone(v)
	}
	dims := p.Dimensions()
	v := make([]float32, dims)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	for i := range v {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v[i] = float32(seed%1000)/1000 + 0.001
	}
	return v
}
