package rag

import (
	"context"

	"github.com/ashita-ai/karte/internal/model"
)

// Hit is one dense-search result: a document ID and its raw similarity.
// Callers hydrate documents from the Corpus.
type Hit struct {
	DocID string
	Score float32
}

// IndexedDoc pairs a document with its embedding for upsert.
type IndexedDoc struct {
	Doc       model.Document
	Embedding []float32
}

// Index is the dense vector index. Implementations must be safe for
// concurrent use.
type Index interface {
	// Upsert inserts or replaces documents. IDs are stable across
	// reindexes, so re-running the indexer overwrites in place.
	Upsert(ctx context.Context, docs []IndexedDoc) error

	// Search returns the k nearest documents of the given types
	// (nil = all types) by cosine similarity.
	Search(ctx context.Context, embedding []float32, types []model.DocType, k int) ([]Hit, error)

	// Healthy reports index reachability.
	Healthy(ctx context.Context) error

	// Close releases any underlying connection.
	Close() error
}
