package rag

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ashita-ai/karte/internal/model"
)

// TokenCounter counts prompt tokens with the cl100k_base encoding. When
// the encoding cannot be initialized (offline builds without the BPE
// asset), it falls back to a rune-length estimate.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter initializes the counter. Never fails; the estimator
// covers encoding init errors.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Mixed KO/EN prompt text averages roughly 3 runes per token.
	n := utf8.RuneCountInString(text)
	count := n / 3
	if n > 0 && count == 0 {
		count = 1
	}
	return count
}

// ContextConfig caps the built context.
type ContextConfig struct {
	TokenBudget       int
	ExamplesPerQuery  int
	TemplatesPerQuery int
}

// ContextBuilder assembles the CandidateContext handed to the SQL agents.
type ContextBuilder struct {
	counter *TokenCounter
	cfg     ContextConfig
}

// NewContextBuilder creates a builder with the given caps.
func NewContextBuilder(counter *TokenCounter, cfg ContextConfig) *ContextBuilder {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 2400
	}
	if cfg.ExamplesPerQuery <= 0 {
		cfg.ExamplesPerQuery = 3
	}
	if cfg.TemplatesPerQuery <= 0 {
		cfg.TemplatesPerQuery = 2
	}
	return &ContextBuilder{counter: counter, cfg: cfg}
}

// Build applies the per-type caps, then trims whole documents until the
// total fits the token budget. Trim order drops the most redundant content
// first: examples, then templates, then schemas, then glossary. Concept
// documents are small and never trimmed.
func (b *ContextBuilder) Build(groups Groups) model.CandidateContext {
	ctx := model.CandidateContext{
		Schemas:   docsOf(groups.Schemas, 0),
		Examples:  docsOf(groups.Examples, b.cfg.ExamplesPerQuery),
		Templates: docsOf(groups.Templates, b.cfg.TemplatesPerQuery),
		Glossary:  docsOf(groups.Glossary, 0),
		Concepts:  docsOf(groups.Concepts, 0),
	}

	ctx.TokenCount = b.total(ctx)
	if ctx.TokenCount <= b.cfg.TokenBudget {
		return ctx
	}

	// Groups are ranked descending, so trimming from the tail loses the
	// least relevant document of the most expendable group.
	trimOrder := []*[]model.Document{&ctx.Examples, &ctx.Templates, &ctx.Schemas, &ctx.Glossary}
	for _, group := range trimOrder {
		for ctx.TokenCount > b.cfg.TokenBudget && len(*group) > 0 {
			*group = (*group)[:len(*group)-1]
			ctx.TokenCount = b.total(ctx)
		}
		if ctx.TokenCount <= b.cfg.TokenBudget {
			return ctx
		}
	}
	return ctx
}

func (b *ContextBuilder) total(ctx model.CandidateContext) int {
	sum := 0
	for _, group := range [][]model.Document{ctx.Schemas, ctx.Examples, ctx.Templates, ctx.Glossary, ctx.Concepts} {
		for _, d := range group {
			sum += b.counter.Count(d.Text)
		}
	}
	return sum
}

func docsOf(scored []model.ScoredDocument, max int) []model.Document {
	if max > 0 && len(scored) > max {
		scored = scored[:max]
	}
	docs := make([]model.Document, len(scored))
	for i, s := range scored {
		docs[i] = s.Document
	}
	return docs
}
