package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/model"
)

// upsertBatchSize bounds one Upsert call; batches keep gRPC messages and
// embedding requests small.
const upsertBatchSize = 64

// Indexer converts the metadata corpora into retrieval documents, embeds
// them, and loads both the dense index and the retriever's corpus.
type Indexer struct {
	catalog   *metadata.Catalog
	embedder  Embedder
	index     Index
	retriever *Retriever
	logger    *slog.Logger
}

// NewIndexer wires the indexing pipeline.
func NewIndexer(catalog *metadata.Catalog, embedder Embedder, index Index, retriever *Retriever, logger *slog.Logger) *Indexer {
	return &Indexer{
		catalog:   catalog,
		embedder:  embedder,
		index:     index,
		retriever: retriever,
		logger:    logger,
	}
}

// Documents renders every metadata record as a retrieval document.
// Missing optional corpora (procedures, column values, label intents,
// glossary) are skipped with a warning; schema, examples, and templates
// are required.
func (ix *Indexer) Documents() ([]model.Document, error) {
	var docs []model.Document

	schemas, err := ix.catalog.Schemas()
	if err != nil {
		return nil, fmt.Errorf("rag: load schema catalog: %w", err)
	}
	for _, s := range schemas {
		docs = append(docs, s.Document())
	}

	examples, err := ix.catalog.Examples()
	if err != nil {
		return nil, fmt.Errorf("rag: load examples: %w", err)
	}
	for _, e := range examples {
		docs = append(docs, e.Document())
	}

	templates, err := ix.catalog.Templates()
	if err != nil {
		return nil, fmt.Errorf("rag: load templates: %w", err)
	}
	for _, t := range templates {
		docs = append(docs, t.Document())
	}

	if diagnoses, err := ix.catalog.Diagnoses(); err == nil {
		for _, d := range diagnoses {
			docs = append(docs, d.Document(model.DocDiagnosisMap))
		}
	} else {
		ix.logger.Warn("rag: diagnosis map unavailable", "error", err)
	}

	if procedures, err := ix.catalog.Procedures(); err == nil {
		for _, p := range procedures {
			docs = append(docs, p.Document(model.DocProcedureMap))
		}
	} else {
		ix.logger.Warn("rag: procedure map unavailable", "error", err)
	}

	if values, err := ix.catalog.ColumnValues(); err == nil {
		for _, v := range values {
			docs = append(docs, v.Document())
		}
	} else {
		ix.logger.Warn("rag: column values unavailable", "error", err)
	}

	if intents, err := ix.catalog.LabelIntents(); err == nil {
		for _, l := range intents {
			docs = append(docs, l.Document())
		}
	} else {
		ix.logger.Warn("rag: label intents unavailable", "error", err)
	}

	if glossary, err := ix.catalog.Glossary(); err == nil {
		for _, g := range glossary {
			docs = append(docs, g.Document())
		}
	} else {
		ix.logger.Warn("rag: glossary unavailable", "error", err)
	}

	return docs, nil
}

// Reindex rebuilds the corpus from metadata, embeds every document, and
// upserts the vectors. Document IDs are stable, so reindexing overwrites
// points in place.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	start := time.Now()

	docs, err := ix.Documents()
	if err != nil {
		return 0, err
	}

	for from := 0; from < len(docs); from += upsertBatchSize {
		to := from + upsertBatchSize
		if to > len(docs) {
			to = len(docs)
		}
		batch := docs[from:to]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Text
		}
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("rag: embed batch at %d: %w", from, err)
		}

		indexed := make([]IndexedDoc, len(batch))
		for i, d := range batch {
			indexed[i] = IndexedDoc{Doc: d, Embedding: vecs[i]}
		}
		if err := ix.index.Upsert(ctx, indexed); err != nil {
			return 0, fmt.Errorf("rag: upsert batch at %d: %w", from, err)
		}
	}

	ix.retriever.SetCorpus(NewCorpus(docs))

	ix.logger.Info("rag: reindex complete",
		"documents", len(docs),
		"duration_ms", time.Since(start).Milliseconds())
	return len(docs), nil
}
