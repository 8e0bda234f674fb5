// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense float32
// vectors (e.g. Cohere embed-v3 served by OCI Generative AI). These vectors are
// used by the RAG index for semantic retrieval.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"fmt"
)

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the same
// dimensionality (returned by Dimensions). Callers must not mix vectors from
// different Provider instances in the same similarity computation unless they have
// verified that both use the same model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or ctx
	// is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a single
	// provider call. The returned slice has the same length as texts and the i-th
	// element corresponds to texts[i].
	//
	// Returns an error if any single embedding fails, if len(texts) exceeds
	// MaxBatchSize, or if ctx is cancelled. On error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// MaxBatchSize is the largest len(texts) EmbedBatch accepts.
	MaxBatchSize() int

	// Dimensions returns the fixed length of every embedding vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for embeddings.
	ModelID() string
}

// QueryEmbedder is implemented by providers whose models embed search
// queries differently from the documents they are matched against.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbedQuery embeds text as a search query when p supports it and as a
// plain input otherwise.
func EmbedQuery(ctx context.Context, p Provider, text string) ([]float32, error) {
	if q, ok := p.(QueryEmbedder); ok {
		return q.EmbedQuery(ctx, text)
	}
	return p.Embed(ctx, text)
}

// EmbedAll embeds texts in as many EmbedBatch calls as p's batch limit
// requires, preserving order.
func EmbedAll(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	size := p.MaxBatchSize()
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := p.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embeddings: batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EstimateTokens approximates the token count of texts at four characters
// per token, rounding up per text.
func EstimateTokens(texts []string) int {
	n := 0
	for _, t := range texts {
		n += (len(t) + 3) / 4
	}
	return n
}
