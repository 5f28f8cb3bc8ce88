package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

func bm25Doc(id string, t model.DocType, text string) model.Document {
	return model.Document{
		ID:     id,
		Text:   text,
		Meta:   model.DocumentMeta{Type: t},
		Tokens: Tokenize(text),
	}
}

func TestBM25RanksTermMatches(t *testing.T) {
	docs := []model.Document{
		bm25Doc("schema:admissions", model.DocSchema, "admissions hadm_id admittime dischtime hospital admission records"),
		bm25Doc("schema:patients", model.DocSchema, "patients subject_id gender anchor_age demographic records"),
		bm25Doc("schema:icustays", model.DocSchema, "icustays stay_id intime outtime los intensive care"),
	}

	idx := NewBM25(docs, 0)

	hits := idx.TopK(Tokenize("hospital admissions"), nil, 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "schema:admissions", hits[0].DocID)

	// Documents sharing no term are omitted entirely.
	for _, h := range hits {
		assert.NotEqual(t, "schema:patients", h.DocID)
	}
}

func TestBM25TypeFilter(t *testing.T) {
	docs := []model.Document{
		bm25Doc("schema:admissions", model.DocSchema, "admissions records"),
		bm25Doc("example:1", model.DocExample, "count admissions records"),
	}

	idx := NewBM25(docs, 0)

	hits := idx.TopK(Tokenize("admissions"), []model.DocType{model.DocExample}, 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "example:1", hits[0].DocID)
}

func TestBM25RarityWins(t *testing.T) {
	// "los" appears in one doc, "records" in all three; a query for both
	// must rank the doc holding the rare term first.
	docs := []model.Document{
		bm25Doc("a", model.DocSchema, "records one"),
		bm25Doc("b", model.DocSchema, "records two"),
		bm25Doc("c", model.DocSchema, "records los"),
	}

	idx := NewBM25(docs, 0)
	hits := idx.TopK(Tokenize("records los"), nil, 3)
	require.Len(t, hits, 3)
	assert.Equal(t, "c", hits[0].DocID)
}

func TestBM25MaxDocsCap(t *testing.T) {
	docs := []model.Document{
		bm25Doc("a", model.DocSchema, "alpha"),
		bm25Doc("b", model.DocSchema, "beta"),
		bm25Doc("c", model.DocSchema, "gamma"),
	}

	idx := NewBM25(docs, 2)

	// "gamma" fell outside the cap.
	assert.Empty(t, idx.TopK(Tokenize("gamma"), nil, 5))
	assert.NotEmpty(t, idx.TopK(Tokenize("alpha"), nil, 5))
}

func TestBM25KoreanBigrams(t *testing.T) {
	docs := []model.Document{
		bm25Doc("diagnosis_map:I21", model.DocDiagnosisMap, "I21 급성 심근경색 acute myocardial infarction"),
		bm25Doc("diagnosis_map:J18", model.DocDiagnosisMap, "J18 폐렴 pneumonia"),
	}

	idx := NewBM25(docs, 0)

	// The short query shares the 심근/근경/경색 bigrams with the long compound.
	hits := idx.TopK(Tokenize("심근경색"), nil, 2)
	require.NotEmpty(t, hits)
	assert.Equal(t, "diagnosis_map:I21", hits[0].DocID)
}

func TestBM25EmptyInputs(t *testing.T) {
	idx := NewBM25(nil, 0)
	assert.Nil(t, idx.TopK(Tokenize("anything"), nil, 5))

	idx = NewBM25([]model.Document{bm25Doc("a", model.DocSchema, "text")}, 0)
	assert.Nil(t, idx.TopK(nil, nil, 5))
	assert.Nil(t, idx.TopK(Tokenize("text"), nil, 0))
}
