// Package rag implements retrieval over an embedded document index.
//
// Documents are split into chunks by the caller (see [Split]), embedded in
// batches no larger than the embeddings provider allows, and stored in a
// [Store]. A query embeds the question, fetches a widened candidate set by
// vector distance and, when a reranker is configured, reorders the
// candidates by relevance before cutting them to topK.
//
// Every implementation of [Store] must be safe for concurrent use.
package rag

import (
	"context"
	"time"
)

// Document is a chunk of source text to index.
type Document struct {
	// ID uniquely identifies the chunk. Re-adding an ID replaces the chunk.
	ID string

	// Source groups chunks of one original document (a file path or URL).
	Source string

	// Content is the chunk text that is embedded and returned by queries.
	Content string

	// Metadata is stored alongside the chunk and returned unchanged.
	Metadata map[string]string
}

// Chunk is a stored, embedded [Document].
type Chunk struct {
	Document
	Embedding []float32
	CreatedAt time.Time
}

// Filter restricts a search. All non-zero fields are applied as AND
// conditions.
type Filter struct {
	// Source restricts results to chunks of one document.
	Source string

	// After and Before bound CreatedAt (exclusive). Zero disables a bound.
	After  time.Time
	Before time.Time
}

// Match is a single query result.
type Match struct {
	Chunk Chunk

	// Distance is the cosine distance between the query and the chunk.
	Distance float64

	// Score is the reranker's relevance score. It is zero when the result
	// was not reranked.
	Score float64

	// Reranked reports whether Score is set.
	Reranked bool
}

// Store is a vector store for embedded chunks.
type Store interface {
	// Upsert stores chunks, replacing any with the same ID.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns up to topK chunks closest to embedding, ordered by
	// ascending Distance. It returns an empty, non-nil slice when nothing
	// matches.
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Match, error)

	// DeleteSource removes every chunk of source and returns how many were
	// removed.
	DeleteSource(ctx context.Context, source string) (int64, error)
}
