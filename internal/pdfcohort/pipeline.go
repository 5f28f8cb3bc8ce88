// Package pdfcohort turns study-protocol PDFs into executable MIMIC-IV
// cohort queries. Page text and asset counts are read concurrently, two
// agent calls distill the cohort definition and its executable steps, a
// deterministic compiler renders the steps as a CTE cascade verified
// against the schema catalog, and the statement runs with one
// retrieval-backed rewrite when the result is unusable as a patient
// roster. Results are cached by the document's canonical-text hash.
package pdfcohort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/rag"
	"github.com/ashita-ai/karte/internal/store"
)

var (
	// ErrNotPDF rejects uploads without the PDF magic header.
	ErrNotPDF = errors.New("pdfcohort: not a pdf")
	// ErrNoText marks documents whose first pages carry no extractable
	// text (scanned or image-only papers).
	ErrNoText = errors.New("pdfcohort: no extractable text")
	// ErrNoClient marks a pipeline without a configured LLM provider.
	ErrNoClient = errors.New("pdfcohort: no llm configured")
	// ErrSchemaMismatch marks steps referencing tables or columns absent
	// from the catalog.
	ErrSchemaMismatch = errors.New("pdfcohort: schema mismatch")
)

// Step kinds.
const (
	KindInclusion = "inclusion"
	KindExclusion = "exclusion"
)

// CohortDefinition is the structured reading of the paper's cohort
// section.
type CohortDefinition struct {
	Population string   `json:"population"`
	Inclusion  []string `json:"inclusion"`
	Exclusion  []string `json:"exclusion"`
}

// Step is one executable criterion: a membership test on one table
// column, optionally windowed to the days before ICU admission.
type Step struct {
	Kind         string   `json:"kind"`
	Concept      string   `json:"concept"`
	Table        string   `json:"table"`
	Column       string   `json:"column,omitempty"`
	Values       []string `json:"values,omitempty"`
	LookbackDays int      `json:"lookback_days,omitempty"`
}

// Document summarizes the parsed PDF.
type Document struct {
	Pages     int `json:"pages"`
	PagesRead int `json:"pages_read"`
	Images    int `json:"images"`
	TextChars int `json:"text_chars"`
}

// Cohort is the assembled pipeline output for one document.
type Cohort struct {
	Hash       string           `json:"hash"`
	Document   Document         `json:"document"`
	Definition CohortDefinition `json:"definition"`
	Steps      []Step           `json:"steps"`
	SQL        string           `json:"sql"`
	Rewritten  bool             `json:"rewritten,omitempty"`
	Notes      []string         `json:"notes,omitempty"`
	Result     model.Table      `json:"result"`
	Cached     bool             `json:"cached,omitempty"`
}

// Runner executes one read-only statement. *oracle.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, sql string) (model.Table, error)
}

// Deps carries the wired components. Costs, Retriever, and Docs may be
// nil; every use is guarded.
type Deps struct {
	Client    llm.Client
	Costs     *audit.CostTracker
	Catalog   *metadata.Catalog
	Retriever *rag.Retriever
	Runner    Runner
	Docs      store.Store
	Logger    *slog.Logger
}

// Pipeline runs the five stages for one document per call. Stateless
// between calls and safe for concurrent use.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// New builds the pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, logger: logger}
}

// Build runs the full pipeline on one uploaded document.
func (p *Pipeline) Build(ctx context.Context, data []byte) (Cohort, error) {
	canonical, doc, extractNotes, err := p.extract(ctx, data)
	if err != nil {
		return Cohort{}, err
	}

	key := cacheKey(canonical)
	if hit, ok := p.cachedCohort(ctx, key); ok {
		p.logger.Info("pdfcohort: cache hit", "hash", key[:12])
		return hit, nil
	}

	schemas, err := p.deps.Catalog.Schemas()
	if err != nil {
		return Cohort{}, fmt.Errorf("pdfcohort: schema catalog: %w", err)
	}

	def, err := p.define(ctx, canonical)
	if err != nil {
		return Cohort{}, err
	}
	steps, stepNotes, err := p.plan(ctx, def, schemas)
	if err != nil {
		return Cohort{}, err
	}

	sqlText, compileNotes, err := Compile(steps, schemas)
	if err != nil {
		return Cohort{}, err
	}

	out := Cohort{
		Hash:       key,
		Document:   doc,
		Definition: def,
		Steps:      steps,
		SQL:        sqlText,
	}
	out.Notes = append(out.Notes, extractNotes...)
	out.Notes = append(out.Notes, stepNotes...)
	out.Notes = append(out.Notes, compileNotes...)

	table, err := p.deps.Runner.Run(ctx, sqlText)
	if err != nil {
		return Cohort{}, fmt.Errorf("pdfcohort: execute: %w", err)
	}
	out.Result = table

	if needsRewrite(table) {
		if stmt, fixed, ok := p.rewrite(ctx, def, sqlText, table); ok {
			out.SQL, out.Result, out.Rewritten = stmt, fixed, true
		} else {
			out.Notes = append(out.Notes, "result not patient-level and rewrite did not recover")
		}
	}

	p.logger.Info("pdfcohort: built",
		"hash", key[:12], "steps", len(steps),
		"rows", len(out.Result.Rows), "rewritten", out.Rewritten)
	p.cacheCohort(ctx, key, out)
	return out, nil
}

// patientKeys are the identifier columns a patient roster carries.
var patientKeys = []string{"SUBJECT_ID", "HADM_ID", "STAY_ID"}

// needsRewrite reports results that cannot serve as a cohort roster:
// nothing matched, or the statement lost every identifier column.
func needsRewrite(t model.Table) bool {
	if len(t.Rows) == 0 {
		return true
	}
	for _, k := range patientKeys {
		if _, ok := t.HasColumn(k); ok {
			return false
		}
	}
	return true
}

// cacheKey is the content address: the canonical text plus the parameter
// that shaped it.
func cacheKey(canonical string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("pages=%d\n%s", maxPages, canonical)))
	return hex.EncodeToString(sum[:])
}

// cachedCohort looks the key up in the document store. Any failure is a
// miss.
func (p *Pipeline) cachedCohort(ctx context.Context, key string) (Cohort, bool) {
	if p.deps.Docs == nil {
		return Cohort{}, false
	}
	raw, err := p.deps.Docs.Get(ctx, store.ColPdfCohorts, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("pdfcohort: cache read failed", "error", err)
		}
		return Cohort{}, false
	}
	var c Cohort
	if err := json.Unmarshal(raw, &c); err != nil {
		p.logger.Warn("pdfcohort: cache entry unreadable", "error", err)
		return Cohort{}, false
	}
	c.Cached = true
	return c, true
}

func (p *Pipeline) cacheCohort(ctx context.Context, key string, c Cohort) {
	if p.deps.Docs == nil {
		return
	}
	if err := p.deps.Docs.Set(ctx, store.ColPdfCohorts, key, c); err != nil {
		p.logger.Warn("pdfcohort: cache write failed", "error", err)
	}
}

// isQuery re-asserts the SELECT/WITH prefix on agent-produced SQL before
// it reaches the executor.
func isQuery(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return true
	default:
		return false
	}
}
