package rag

import (
	"math"
	"sort"

	"github.com/ashita-ai/karte/internal/model"
)

// BM25 parameters. Standard Robertson defaults; retrieval quality on the
// small curated corpora is not sensitive to them.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25 scores documents against tokenized queries. Term frequencies are
// computed once at construction. Instances are immutable and safe for
// concurrent use.
type BM25 struct {
	docs   []model.Document
	tf     []map[string]int
	lens   []int
	df     map[string]int
	avgLen float64
}

// NewBM25 builds the index over docs, at most maxDocs of them (0 = all).
func NewBM25(docs []model.Document, maxDocs int) *BM25 {
	if maxDocs > 0 && len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}

	b := &BM25{
		docs: docs,
		tf:   make([]map[string]int, len(docs)),
		lens: make([]int, len(docs)),
		df:   make(map[string]int),
	}

	total := 0
	for i, d := range docs {
		tokens := d.Tokens
		if len(tokens) == 0 {
			tokens = Tokenize(d.Text)
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		b.tf[i] = tf
		b.lens[i] = len(tokens)
		total += len(tokens)
		for t := range tf {
			b.df[t]++
		}
	}
	if len(docs) > 0 {
		b.avgLen = float64(total) / float64(len(docs))
	}
	return b
}

// TopK returns the k highest-scoring documents for the query tokens among
// docs of the given types (nil types = all). Documents that share no term
// with the query are omitted.
func (b *BM25) TopK(queryTokens []string, types []model.DocType, k int) []Hit {
	if len(b.docs) == 0 || len(queryTokens) == 0 || k <= 0 {
		return nil
	}

	want := make(map[model.DocType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}

	n := float64(len(b.docs))
	var hits []Hit
	for i, d := range b.docs {
		if len(want) > 0 {
			if _, ok := want[d.Meta.Type]; !ok {
				continue
			}
		}

		var score float64
		for _, term := range queryTokens {
			freq, ok := b.tf[i][term]
			if !ok {
				continue
			}
			df := float64(b.df[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			tf := float64(freq)
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(b.lens[i])/b.avgLen))
			score += idf * norm
		}
		if score > 0 {
			hits = append(hits, Hit{DocID: d.ID, Score: float32(score)})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
