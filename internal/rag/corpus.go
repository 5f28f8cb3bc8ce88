package rag

import (
	"sync"

	"github.com/ashita-ai/karte/internal/model"
)

// Corpus is the in-memory view of every retrieval document, keyed by ID.
// The dense index only stores vectors and IDs; hits are hydrated from here.
// Rebuilt atomically by the indexer; reads are lock-free after swap.
type Corpus struct {
	mu    sync.RWMutex
	docs  map[string]model.Document
	order []string
}

// NewCorpus builds a corpus from documents, tokenizing each text once so
// BM25 and overlap scoring reuse the cached tokens.
func NewCorpus(docs []model.Document) *Corpus {
	c := &Corpus{}
	c.Replace(docs)
	return c
}

// Replace swaps in a new document set.
func (c *Corpus) Replace(docs []model.Document) {
	byID := make(map[string]model.Document, len(docs))
	order := make([]string, 0, len(docs))
	for _, d := range docs {
		if len(d.Tokens) == 0 {
			d.Tokens = Tokenize(d.Text)
		}
		if _, dup := byID[d.ID]; !dup {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}

	c.mu.Lock()
	c.docs = byID
	c.order = order
	c.mu.Unlock()
}

// Get returns the document with the given ID.
func (c *Corpus) Get(id string) (model.Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[id]
	return d, ok
}

// Len returns the number of documents.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// ForType returns documents of the given types in stable insertion order,
// stopping after max documents when max > 0.
func (c *Corpus) ForType(types []model.DocType, max int) []model.Document {
	want := make(map[model.DocType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []model.Document
	for _, id := range c.order {
		d := c.docs[id]
		if len(want) > 0 {
			if _, ok := want[d.Meta.Type]; !ok {
				continue
			}
		}
		out = append(out, d)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// All returns every document in stable insertion order.
func (c *Corpus) All() []model.Document {
	return c.ForType(nil, 0)
}
