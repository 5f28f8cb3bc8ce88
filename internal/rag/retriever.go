package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/karte/internal/model"
)

// Hybrid score weights. Concept corpora (code maps, column values, label
// profiles) lean harder on lexical evidence because their texts are short
// and dense scores on them are noisy.
const (
	wDense        = 0.60
	wBM25         = 0.30
	wOverlap      = 0.10
	wDenseConcept = 0.45
	wBM25Concept  = 0.45
)

// typeFilter prunes weak hits per document type: an absolute score floor,
// a ratio against the best hit of the same type, and a minimum lexical
// overlap with the question.
type typeFilter struct {
	minScore   float64
	ratioToTop float64
	minOverlap float64
}

var typeFilters = map[model.DocType]typeFilter{
	model.DocSchema:       {minScore: 0.05, ratioToTop: 0.20},
	model.DocExample:      {minScore: 0.08, ratioToTop: 0.25},
	model.DocTemplate:     {minScore: 0.08, ratioToTop: 0.25},
	model.DocGlossary:     {minScore: 0.10, ratioToTop: 0.30},
	model.DocDiagnosisMap: {minScore: 0.18, ratioToTop: 0.40, minOverlap: 0.08},
	model.DocProcedureMap: {minScore: 0.18, ratioToTop: 0.40, minOverlap: 0.08},
	model.DocColumnValue:  {minScore: 0.15, ratioToTop: 0.40, minOverlap: 0.08},
	model.DocLabelIntent:  {minScore: 0.15, ratioToTop: 0.40, minOverlap: 0.08},
}

// conceptSignals routes questions to the specialized corpora by cheap
// substring matching on the whitespace-stripped lowercase question.
var conceptSignals = map[model.DocType][]string{
	model.DocDiagnosisMap: {
		"진단", "질환", "질병", "병명", "diagnos", "disease", "icd",
		"암", "당뇨", "폐렴", "심근경색", "패혈증", "심부전", "고혈압", "뇌졸중", "신부전",
	},
	model.DocProcedureMap: {
		"수술", "시술", "처치", "삽관", "투석", "procedure", "surgery", "operation",
	},
	model.DocColumnValue: {
		"응급", "입원경로", "입원유형", "보험", "인종", "결혼", "종교", "퇴원",
		"admissiontype", "admissionlocation", "insurance", "ethnicity", "marital",
		"emergency", "urgent", "elective",
	},
	model.DocLabelIntent: {
		"수치", "검사", "측정", "혈압", "심박", "맥박", "체온", "산소포화도", "혈당",
		"크레아티닌", "헤모글로빈", "혈액", "lab", "vital", "glucose", "creatinine",
		"heartrate", "bloodpressure", "temperature", "hemoglobin",
	},
}

// DetectConceptBuckets returns the concept corpora the question should
// consult, in a stable order.
func DetectConceptBuckets(question string) []model.DocType {
	folded := fold(question)
	if folded == "" {
		return nil
	}
	var buckets []model.DocType
	for _, t := range model.ConceptTypes {
		for _, sig := range conceptSignals[t] {
			if strings.Contains(folded, sig) {
				buckets = append(buckets, t)
				break
			}
		}
	}
	return buckets
}

// fold lowercases and strips whitespace so Korean spacing variants match.
func fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RetrieverConfig tunes the hybrid search.
type RetrieverConfig struct {
	TopK          int  // results per document type
	Candidates    int  // per-leg candidate pool, min TopK
	HybridEnabled bool // false = dense only
	BM25MaxDocs   int  // cap on the lexical index size
}

// Groups is the typed retrieval output consumed by the context builder.
type Groups struct {
	Schemas   []model.ScoredDocument
	Examples  []model.ScoredDocument
	Templates []model.ScoredDocument
	Glossary  []model.ScoredDocument
	Concepts  []model.ScoredDocument
}

// Retriever merges dense and lexical retrieval over the corpus.
type Retriever struct {
	index    Index
	embedder Embedder
	cfg      RetrieverConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	corpus *Corpus
	bm25   *BM25
}

// NewRetriever creates a retriever. SetCorpus must be called (normally by
// the indexer) before the first search.
func NewRetriever(index Index, embedder Embedder, cfg RetrieverConfig, logger *slog.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Candidates < cfg.TopK {
		cfg.Candidates = cfg.TopK
	}
	return &Retriever{
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		corpus:   NewCorpus(nil),
		bm25:     NewBM25(nil, 0),
	}
}

// SetCorpus swaps in the document set and rebuilds the lexical index.
func (r *Retriever) SetCorpus(c *Corpus) {
	bm25 := NewBM25(c.All(), r.cfg.BM25MaxDocs)
	r.mu.Lock()
	r.corpus = c
	r.bm25 = bm25
	r.mu.Unlock()
}

func (r *Retriever) snapshot() (*Corpus, *BM25) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.corpus, r.bm25
}

// Search returns the k best documents of the given types for the question.
func (r *Retriever) Search(ctx context.Context, question string, types []model.DocType, k int) ([]model.ScoredDocument, error) {
	vec, err := r.embedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	return r.search(ctx, question, Tokenize(question), vec, types, k)
}

// RetrieveAll runs the structural searches plus any triggered concept
// bucket searches concurrently and groups the results for the context
// builder. The question is embedded once and the vector shared.
func (r *Retriever) RetrieveAll(ctx context.Context, question string) (Groups, error) {
	qTokens := Tokenize(question)
	vec, err := r.embedQuery(ctx, question)
	if err != nil {
		return Groups{}, err
	}

	// The structural types are always consulted; a question with no
	// detectable concept signal still needs schema and example context.
	var out Groups
	targets := []struct {
		t    model.DocType
		dest *[]model.ScoredDocument
	}{
		{model.DocSchema, &out.Schemas},
		{model.DocExample, &out.Examples},
		{model.DocTemplate, &out.Templates},
		{model.DocGlossary, &out.Glossary},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			docs, err := r.search(gctx, question, qTokens, vec, []model.DocType{target.t}, r.cfg.TopK)
			if err != nil {
				return err
			}
			*target.dest = docs
			return nil
		})
	}

	buckets := DetectConceptBuckets(question)
	conceptResults := make([][]model.ScoredDocument, len(buckets))
	for i, bucket := range buckets {
		g.Go(func() error {
			docs, err := r.search(gctx, question, qTokens, vec, []model.DocType{bucket}, r.cfg.TopK)
			if err != nil {
				return err
			}
			conceptResults[i] = docs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Groups{}, err
	}

	for _, docs := range conceptResults {
		out.Concepts = append(out.Concepts, docs...)
	}
	sort.SliceStable(out.Concepts, func(i, j int) bool {
		return out.Concepts[i].Score > out.Concepts[j].Score
	})
	return out, nil
}

// embedQuery returns nil (disabling the dense leg) when the embedder fails
// and hybrid mode still has BM25 to serve from.
func (r *Retriever) embedQuery(ctx context.Context, question string) ([]float32, error) {
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		if !r.cfg.HybridEnabled {
			return nil, fmt.Errorf("rag: embed query: %w", err)
		}
		r.logger.Warn("rag: embed query failed, lexical leg only", "error", err)
		return nil, nil
	}
	return vec, nil
}

// search runs the hybrid merge for one type set.
func (r *Retriever) search(ctx context.Context, question string, qTokens []string, vec []float32, types []model.DocType, k int) ([]model.ScoredDocument, error) {
	if k <= 0 {
		k = r.cfg.TopK
	}
	candidates := r.cfg.Candidates
	if candidates < k {
		candidates = k
	}

	corpus, bm25 := r.snapshot()

	var denseHits, lexicalHits []Hit
	var denseErr error

	if r.cfg.HybridEnabled {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if vec == nil {
				return nil
			}
			hits, err := r.index.Search(gctx, vec, types, candidates)
			if err != nil {
				// The lexical leg still serves; record and continue.
				denseErr = err
				return nil
			}
			denseHits = hits
			return nil
		})
		g.Go(func() error {
			lexicalHits = bm25.TopK(qTokens, types, candidates)
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if denseErr != nil {
			if len(lexicalHits) == 0 {
				return nil, fmt.Errorf("rag: dense search: %w", denseErr)
			}
			r.logger.Warn("rag: dense search failed, serving lexical hits", "error", denseErr)
		}
	} else {
		if vec == nil {
			return nil, fmt.Errorf("rag: dense-only mode without a query vector")
		}
		hits, err := r.index.Search(ctx, vec, types, candidates)
		if err != nil {
			return nil, fmt.Errorf("rag: dense search: %w", err)
		}
		denseHits = hits
	}

	merged := mergeHits(corpus, qTokens, denseHits, lexicalHits)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	merged = applyTypeFilters(merged)
	if len(merged) > k {
		merged = merged[:k]
	}

	if len(merged) == 0 {
		r.logger.Debug("rag: no documents survived filtering",
			"question", question, "types", fmt.Sprint(types))
	}
	return merged, nil
}

// mergeHits joins both legs by document ID, fills missing sides with zero,
// normalizes each side by its own max, and computes the weighted score.
func mergeHits(corpus *Corpus, qTokens []string, dense, lexical []Hit) []model.ScoredDocument {
	var maxDense, maxLex float32
	for _, h := range dense {
		if h.Score > maxDense {
			maxDense = h.Score
		}
	}
	for _, h := range lexical {
		if h.Score > maxLex {
			maxLex = h.Score
		}
	}

	type legs struct{ dense, lexical float64 }
	byID := make(map[string]*legs, len(dense)+len(lexical))
	order := make([]string, 0, len(dense)+len(lexical))
	add := func(id string) *legs {
		if l, ok := byID[id]; ok {
			return l
		}
		l := &legs{}
		byID[id] = l
		order = append(order, id)
		return l
	}
	for _, h := range dense {
		if maxDense > 0 {
			add(h.DocID).dense = float64(h.Score / maxDense)
		}
	}
	for _, h := range lexical {
		if maxLex > 0 {
			add(h.DocID).lexical = float64(h.Score / maxLex)
		}
	}

	out := make([]model.ScoredDocument, 0, len(order))
	for _, id := range order {
		doc, ok := corpus.Get(id)
		if !ok {
			// Stale point in the index; the corpus is the source of truth.
			continue
		}
		l := byID[id]
		overlap := Overlap(qTokens, doc.Tokens)

		wv, wb := wDense, wBM25
		if doc.Meta.Type.IsConcept() {
			wv, wb = wDenseConcept, wBM25Concept
		}
		out = append(out, model.ScoredDocument{
			Document: doc,
			Score:    wv*l.dense + wb*l.lexical + wOverlap*overlap,
			Dense:    l.dense,
			BM25:     l.lexical,
			Overlap:  overlap,
		})
	}
	return out
}

// applyTypeFilters drops hits below the per-type floors. Input must be
// sorted descending by score.
func applyTypeFilters(docs []model.ScoredDocument) []model.ScoredDocument {
	topByType := make(map[model.DocType]float64)
	for _, d := range docs {
		t := d.Document.Meta.Type
		if _, ok := topByType[t]; !ok {
			topByType[t] = d.Score
		}
	}

	out := docs[:0]
	for _, d := range docs {
		f, ok := typeFilters[d.Document.Meta.Type]
		if !ok {
			out = append(out, d)
			continue
		}
		if d.Score < f.minScore {
			continue
		}
		if top := topByType[d.Document.Meta.Type]; top > 0 && d.Score < top*f.ratioToTop {
			continue
		}
		if d.Overlap < f.minOverlap {
			continue
		}
		out = append(out, d)
	}
	return out
}
