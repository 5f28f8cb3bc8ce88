package rag

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

// fakeIndex returns canned hits filtered by the doc-type prefix of the ID.
type fakeIndex struct {
	hits []Hit
	err  error
}

func (f *fakeIndex) Upsert(context.Context, []IndexedDoc) error { return nil }

func (f *fakeIndex) Search(_ context.Context, _ []float32, types []model.DocType, k int) ([]Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Hit
	for _, h := range f.hits {
		if len(types) > 0 {
			keep := false
			for _, t := range types {
				if strings.HasPrefix(h.DocID, string(t)+":") {
					keep = true
					break
				}
			}
			if !keep {
				continue
			}
		}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (f *fakeIndex) Healthy(context.Context) error { return nil }
func (f *fakeIndex) Close() error                  { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDetectConceptBuckets(t *testing.T) {
	tests := []struct {
		question string
		want     []model.DocType
	}{
		{"급성 심근경색 환자의 재입원율", []model.DocType{model.DocDiagnosisMap}},
		{"관상동맥우회 수술 건수", []model.DocType{model.DocProcedureMap}},
		{"응급 입원 환자 수", []model.DocType{model.DocColumnValue}},
		{"평균 혈압 추이", []model.DocType{model.DocLabelIntent}},
		{"입원 건수 연도별", nil},
		{"당뇨 질환자의 평균 혈당 수치", []model.DocType{model.DocDiagnosisMap, model.DocLabelIntent}},
		{"how many emergency admissions", []model.DocType{model.DocColumnValue}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectConceptBuckets(tt.question))
		})
	}
}

func TestSearchHybridMerge(t *testing.T) {
	docA := bm25Doc("schema:admissions", model.DocSchema, "admissions hospital stay records")
	docB := bm25Doc("schema:patients", model.DocSchema, "patients demographic table")

	r := NewRetriever(
		&fakeIndex{hits: []Hit{
			{DocID: "schema:admissions", Score: 0.8},
			{DocID: "schema:patients", Score: 0.4},
		}},
		NewHashEmbedder(16),
		RetrieverConfig{TopK: 5, Candidates: 10, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{docA, docB}))

	docs, err := r.Search(context.Background(), "admissions count", []model.DocType{model.DocSchema}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// A: dense 0.8/0.8=1.0, bm25 max=1.0, overlap 1/2.
	// Final = 0.60*1.0 + 0.30*1.0 + 0.10*0.5 = 0.95.
	assert.Equal(t, "schema:admissions", docs[0].Document.ID)
	assert.InDelta(t, 0.95, docs[0].Score, 1e-9)

	// B: dense 0.4/0.8=0.5, no lexical hit, no overlap.
	// Final = 0.60*0.5 = 0.30.
	assert.Equal(t, "schema:patients", docs[1].Document.ID)
	assert.InDelta(t, 0.30, docs[1].Score, 1e-9)
}

func TestSearchConceptWeights(t *testing.T) {
	doc := bm25Doc("diagnosis_map:I21", model.DocDiagnosisMap, "I21 급성 심근경색 acute myocardial infarction")

	r := NewRetriever(
		&fakeIndex{hits: []Hit{{DocID: "diagnosis_map:I21", Score: 0.9}}},
		NewHashEmbedder(16),
		RetrieverConfig{TopK: 5, Candidates: 10, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{doc}))

	docs, err := r.Search(context.Background(), "심근경색", []model.DocType{model.DocDiagnosisMap}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// Query tokens: 심근경색 + bigrams 심근/근경/경색, all in the doc → overlap 1.
	// Final = 0.45*1.0 + 0.45*1.0 + 0.10*1.0 = 1.0.
	assert.InDelta(t, 1.0, docs[0].Score, 1e-9)
}

func TestSearchConceptOverlapFloor(t *testing.T) {
	// Dense hit on a concept doc that shares no token with the question
	// must be dropped by the minimum-overlap filter.
	doc := bm25Doc("diagnosis_map:I21", model.DocDiagnosisMap, "I21 급성 심근경색")

	r := NewRetriever(
		&fakeIndex{hits: []Hit{{DocID: "diagnosis_map:I21", Score: 0.99}}},
		NewHashEmbedder(16),
		RetrieverConfig{TopK: 5, Candidates: 10, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{doc}))

	docs, err := r.Search(context.Background(), "show me something else", []model.DocType{model.DocDiagnosisMap}, 5)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearchDenseFailureServesLexical(t *testing.T) {
	doc := bm25Doc("schema:admissions", model.DocSchema, "admissions records")

	r := NewRetriever(
		&fakeIndex{err: errors.New("qdrant down")},
		NewHashEmbedder(16),
		RetrieverConfig{TopK: 5, Candidates: 10, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{doc}))

	docs, err := r.Search(context.Background(), "admissions", []model.DocType{model.DocSchema}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "schema:admissions", docs[0].Document.ID)
	assert.Zero(t, docs[0].Dense)
	assert.Positive(t, docs[0].BM25)
}

func TestSearchDenseFailureNoLexicalHits(t *testing.T) {
	r := NewRetriever(
		&fakeIndex{err: errors.New("qdrant down")},
		NewHashEmbedder(16),
		RetrieverConfig{TopK: 5, Candidates: 10, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{
		bm25Doc("schema:admissions", model.DocSchema, "admissions records"),
	}))

	_, err := r.Search(context.Background(), "zzzz", []model.DocType{model.DocSchema}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dense search")
}

func TestSearchStaleIndexHitSkipped(t *testing.T) {
	r := NewRetriever(
		&fakeIndex{hits: []Hit{
			{DocID: "schema:ghost", Score: 0.9}, // not in the corpus
			{DocID: "schema:admissions", Score: 0.5},
		}},
		NewHashEmbedder(16),
		RetrieverConfig{TopK: 5, Candidates: 10, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{
		bm25Doc("schema:admissions", model.DocSchema, "admissions records"),
	}))

	docs, err := r.Search(context.Background(), "admissions", []model.DocType{model.DocSchema}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "schema:admissions", docs[0].Document.ID)
}

func TestRetrieveAllGroups(t *testing.T) {
	corpus := NewCorpus([]model.Document{
		bm25Doc("schema:admissions", model.DocSchema, "admissions 입원 records"),
		bm25Doc("example:1", model.DocExample, "Q: 입원 건수 SQL: SELECT COUNT(*) FROM ADMISSIONS"),
		bm25Doc("template:monthly", model.DocTemplate, "월별 입원 추이 SELECT TO_CHAR(ADMITTIME,'YYYY-MM')"),
		bm25Doc("glossary:readmit", model.DocGlossary, "재입원: 퇴원 후 다시 입원"),
		bm25Doc("diagnosis_map:I21", model.DocDiagnosisMap, "I21 급성 심근경색"),
	})

	r := NewRetriever(
		&fakeIndex{},
		NewHashEmbedder(32),
		RetrieverConfig{TopK: 3, Candidates: 8, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(corpus)

	groups, err := r.RetrieveAll(context.Background(), "심근경색 질환 환자의 입원 건수")
	require.NoError(t, err)

	assert.NotEmpty(t, groups.Schemas)
	assert.NotEmpty(t, groups.Examples)
	require.NotEmpty(t, groups.Concepts)
	assert.Equal(t, "diagnosis_map:I21", groups.Concepts[0].Document.ID)

	for _, d := range groups.Schemas {
		assert.Equal(t, model.DocSchema, d.Document.Meta.Type)
	}
}

func TestRetrieveAllNoConceptSignal(t *testing.T) {
	r := NewRetriever(
		&fakeIndex{},
		NewHashEmbedder(32),
		RetrieverConfig{TopK: 3, Candidates: 8, HybridEnabled: true},
		testLogger(),
	)
	r.SetCorpus(NewCorpus([]model.Document{
		bm25Doc("schema:admissions", model.DocSchema, "admissions 입원 records"),
		bm25Doc("diagnosis_map:I21", model.DocDiagnosisMap, "I21 급성 심근경색"),
	}))

	groups, err := r.RetrieveAll(context.Background(), "입원 건수")
	require.NoError(t, err)
	assert.Empty(t, groups.Concepts)
	assert.NotEmpty(t, groups.Schemas)
}
