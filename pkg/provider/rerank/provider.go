// Package rerank defines the Provider interface for relevance reranking
// backends: given a query and candidate documents, score each document's
// relevance to the query.
package rerank

import (
	"context"
	"errors"
)

// Request is a single rerank call.
type Request struct {
	// Query is the search query documents are scored against.
	Query string

	// Documents are the candidate texts, addressed by their index.
	Documents []string

	// TopN limits the result to the N most relevant documents. Zero returns
	// every document.
	TopN int

	// ReturnDocuments asks the backend to echo each document's text.
	ReturnDocuments bool
}

// Validate reports a request that cannot be sent.
func (r Request) Validate() error {
	if r.Query == "" {
		return errors.New("query must not be empty")
	}
	if len(r.Documents) == 0 {
		return errors.New("documents must not be empty")
	}
	if r.TopN < 0 {
		return errors.New("topN must not be negative")
	}
	return nil
}

// Result scores one input document.
type Result struct {
	// Index is the document's position in Request.Documents.
	Index int

	// Score is the relevance score; higher is more relevant.
	Score float64

	// Document is the echoed text when Request.ReturnDocuments was set.
	Document string
}

// Provider is implemented by reranking backends. Results are ordered by
// descending Score.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Rerank(ctx context.Context, req Request) ([]Result, error)

	// MaxDocuments is the largest len(Request.Documents) Rerank accepts.
	// Zero means no known limit.
	MaxDocuments() int

	ModelID() string
}
