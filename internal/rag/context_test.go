package rag

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

// estimatorCounter bypasses the BPE encoding so token counts are exactly
// predictable: runes/3 with a floor of 1.
func estimatorCounter() *TokenCounter {
	return &TokenCounter{enc: nil}
}

func scoredDocs(t model.DocType, texts ...string) []model.ScoredDocument {
	out := make([]model.ScoredDocument, len(texts))
	for i, text := range texts {
		out[i] = model.ScoredDocument{
			Document: model.Document{
				ID:   model.DocID(t, strconv.Itoa(i)),
				Text: text,
				Meta: model.DocumentMeta{Type: t},
			},
			Score: 1.0 - float64(i)*0.1,
		}
	}
	return out
}

func TestTokenCounterEstimator(t *testing.T) {
	c := estimatorCounter()
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("ab"))
	assert.Equal(t, 4, c.Count(strings.Repeat("x", 12)))
}

func TestBuildAppliesPerTypeCaps(t *testing.T) {
	b := NewContextBuilder(estimatorCounter(), ContextConfig{
		TokenBudget:       10000,
		ExamplesPerQuery:  2,
		TemplatesPerQuery: 1,
	})

	groups := Groups{
		Schemas:   scoredDocs(model.DocSchema, "sch-one", "sch-two"),
		Examples:  scoredDocs(model.DocExample, "ex-one", "ex-two", "ex-three", "ex-four"),
		Templates: scoredDocs(model.DocTemplate, "tpl-one", "tpl-two"),
		Glossary:  scoredDocs(model.DocGlossary, "glo-one"),
	}

	ctx := b.Build(groups)
	assert.Len(t, ctx.Schemas, 2)
	assert.Len(t, ctx.Examples, 2)
	assert.Len(t, ctx.Templates, 1)
	assert.Len(t, ctx.Glossary, 1)
	assert.Positive(t, ctx.TokenCount)
}

func TestBuildTrimsInOrder(t *testing.T) {
	// Each doc costs ~10 tokens (32 runes / 3). Six docs total 60; a budget
	// of 35 forces dropping both examples first, then the template, leaving
	// schemas and glossary intact.
	text := strings.Repeat("x", 30)
	b := NewContextBuilder(estimatorCounter(), ContextConfig{
		TokenBudget:       35,
		ExamplesPerQuery:  3,
		TemplatesPerQuery: 3,
	})

	groups := Groups{
		Schemas:   scoredDocs(model.DocSchema, text+"s1", text+"s2"),
		Examples:  scoredDocs(model.DocExample, text+"e1", text+"e2"),
		Templates: scoredDocs(model.DocTemplate, text+"t1"),
		Glossary:  scoredDocs(model.DocGlossary, text+"g1"),
	}

	ctx := b.Build(groups)

	assert.Empty(t, ctx.Examples)
	assert.Empty(t, ctx.Templates)
	assert.Len(t, ctx.Schemas, 2)
	assert.Len(t, ctx.Glossary, 1)
	assert.LessOrEqual(t, ctx.TokenCount, 35)
}

func TestBuildTrimsFromTail(t *testing.T) {
	// When only part of a group must go, the lowest-ranked docs go first.
	text := strings.Repeat("y", 30)
	b := NewContextBuilder(estimatorCounter(), ContextConfig{
		TokenBudget:       32,
		ExamplesPerQuery:  3,
		TemplatesPerQuery: 3,
	})

	groups := Groups{
		Schemas:  scoredDocs(model.DocSchema, text+"s1"),
		Examples: scoredDocs(model.DocExample, text+"e1", text+"e2", text+"e3"),
	}

	ctx := b.Build(groups)
	require.Len(t, ctx.Examples, 2)
	assert.Contains(t, ctx.Examples[0].Text, "e1")
	assert.Contains(t, ctx.Examples[1].Text, "e2")
}

func TestBuildUnderBudgetUntouched(t *testing.T) {
	b := NewContextBuilder(estimatorCounter(), ContextConfig{TokenBudget: 10000})

	groups := Groups{
		Schemas:  scoredDocs(model.DocSchema, "small"),
		Concepts: scoredDocs(model.DocDiagnosisMap, "I21 급성 심근경색"),
	}

	ctx := b.Build(groups)
	assert.Len(t, ctx.Schemas, 1)
	assert.Len(t, ctx.Concepts, 1)
	assert.False(t, ctx.Empty())
}

func TestBuildEmptyGroups(t *testing.T) {
	b := NewContextBuilder(NewTokenCounter(), ContextConfig{TokenBudget: 100})
	ctx := b.Build(Groups{})
	assert.True(t, ctx.Empty())
	assert.Zero(t, ctx.TokenCount)
}
