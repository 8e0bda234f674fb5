package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
	"github.com/acedergren/ocigenai/pkg/provider/rerank"
)

// DefaultCandidateFactor widens the vector search when a reranker is set.
const DefaultCandidateFactor = 4

// Index embeds documents into a Store and answers queries against it.
type Index struct {
	store    Store
	embedder embeddings.Provider
	reranker rerank.Provider
	factor   int
	log      *slog.Logger
	now      func() time.Time
}

// IndexOption is a functional option for Index.
type IndexOption func(*Index)

// WithReranker reorders vector-search candidates with r.
func WithReranker(r rerank.Provider) IndexOption {
	return func(ix *Index) { ix.reranker = r }
}

// WithCandidateFactor sets how many candidates per requested result are
// fetched for reranking. Default: [DefaultCandidateFactor].
func WithCandidateFactor(n int) IndexOption {
	return func(ix *Index) { ix.factor = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) { ix.log = l }
}

// NewIndex returns an Index over store using embedder for both documents
// and queries.
func NewIndex(store Store, embedder embeddings.Provider, opts ...IndexOption) (*Index, error) {
	if store == nil || embedder == nil {
		return nil, errors.New("rag: store and embedder must not be nil")
	}
	ix := &Index{store: store, embedder: embedder, factor: DefaultCandidateFactor, now: time.Now}
	for _, o := range opts {
		o(ix)
	}
	if ix.factor < 1 {
		ix.factor = 1
	}
	if ix.log == nil {
		ix.log = slog.Default()
	}
	return ix, nil
}

// Add embeds docs and stores them. Documents are embedded in batches no
// larger than the provider's limit; nothing is stored if any batch fails.
func (ix *Index) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return apierror.Validation("rag.add", "document %d has no ID", i)
		}
		if d.Content == "" {
			return apierror.Validation("rag.add", "document %q is empty", d.ID)
		}
		texts[i] = d.Content
	}

	vecs, err := embeddings.EmbedAll(ctx, ix.embedder, texts)
	if err != nil {
		return fmt.Errorf("rag: embed: %w", err)
	}
	now := ix.now()
	chunks := make([]Chunk, len(docs))
	for i, d := range docs {
		chunks[i] = Chunk{Document: d, Embedding: vecs[i], CreatedAt: now}
	}
	if err := ix.store.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("rag: store: %w", err)
	}
	ix.log.Info("rag: indexed documents", "count", len(docs), "model", ix.embedder.ModelID())
	return nil
}

// Query returns up to topK chunks relevant to query. With a reranker the
// vector search fetches topK times the candidate factor, capped at the
// reranker's document limit, and the reranker picks the final topK.
func (ix *Index) Query(ctx context.Context, query string, topK int, filter Filter) ([]Match, error) {
	if query == "" {
		return nil, apierror.Validation("rag.query", "query must not be empty")
	}
	if topK <= 0 {
		return nil, apierror.Validation("rag.query", "topK must be positive, got %d", topK)
	}

	vec, err := embeddings.EmbedQuery(ctx, ix.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	fetch := topK
	if ix.reranker != nil {
		fetch = topK * ix.factor
		if limit := ix.reranker.MaxDocuments(); limit > 0 && fetch > limit {
			fetch = limit
		}
	}
	candidates, err := ix.store.Search(ctx, vec, fetch, filter)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	if ix.reranker == nil || len(candidates) == 0 {
		return candidates[:min(topK, len(candidates))], nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Chunk.Content
	}
	ranked, err := ix.reranker.Rerank(ctx, rerank.Request{Query: query, Documents: docs, TopN: topK})
	if err != nil {
		return nil, fmt.Errorf("rag: rerank: %w", err)
	}
	out := make([]Match, 0, min(topK, len(ranked)))
	for _, r := range ranked {
		if len(out) == topK {
			break
		}
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		m := candidates[r.Index]
		m.Score = r.Score
		m.Reranked = true
		out = append(out, m)
	}
	ix.log.Debug("rag: query", "candidates", len(candidates), "results", len(out))
	return out, nil
}

// DeleteSource removes every chunk of source.
func (ix *Index) DeleteSource(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return 0, apierror.Validation("rag.delete", "source must not be empty")
	}
	return ix.store.DeleteSource(ctx, source)
}
