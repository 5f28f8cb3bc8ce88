// Package model defines the core domain types shared across karte subsystems:
// retrieval documents, analysis intents, chart specs, cohort parameters,
// query records, audit events, and the HTTP envelope.
package model

import "fmt"

// DocType classifies a retrieval document. Concept-tagged types
// (diagnosis_map, procedure_map, column_value, label_intent) get different
// hybrid-score weighting than structural types.
type DocType string

const (
	DocSchema       DocType = "schema"
	DocExample      DocType = "example"
	DocTemplate     DocType = "template"
	DocGlossary     DocType = "glossary"
	DocDiagnosisMap DocType = "diagnosis_map"
	DocProcedureMap DocType = "procedure_map"
	DocColumnValue  DocType = "column_value"
	DocLabelIntent  DocType = "label_intent"
)

// ConceptTypes are the corpora consulted only when the question carries the
// matching concept signal (a diagnosis name, a procedure, a lab label, ...).
var ConceptTypes = []DocType{DocDiagnosisMap, DocProcedureMap, DocColumnValue, DocLabelIntent}

// IsConcept reports whether t is one of the concept-tagged document types.
func (t DocType) IsConcept() bool {
	switch t {
	case DocDiagnosisMap, DocProcedureMap, DocColumnValue, DocLabelIntent:
		return true
	}
	return false
}

// DocumentMeta carries everything needed to reconstruct type-filtered search
// and to route deterministic rule branches (e.g. diagnosis prefix substitution).
type DocumentMeta struct {
	Type  DocType           `json:"type"`
	Table string            `json:"table,omitempty"` // canonical MIMIC-IV table, when applicable
	Code  string            `json:"code,omitempty"`  // ICD code / itemid for map documents
	Label string            `json:"label,omitempty"` // human title for map documents
	Extra map[string]string `json:"extra,omitempty"`
}

// Document is one retrieval unit. The ID is derived from the source record
// (<type>:<natural key>) so reindexing replaces rather than duplicates.
type Document struct {
	ID   string       `json:"id"`
	Text string       `json:"text"`
	Meta DocumentMeta `json:"meta"`

	// Tokens caches the tokenized text for BM25 and lexical overlap.
	// Populated by the indexer; not serialized to the vector store payload.
	Tokens []string `json:"-"`
}

// DocID builds the stable document ID for a source record.
func DocID(t DocType, key string) string {
	return fmt.Sprintf("%s:%s", t, key)
}

// ScoredDocument pairs a document with its final hybrid score.
type ScoredDocument struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`

	// Per-leg scores, kept for audit traces.
	Dense   float64 `json:"dense"`
	BM25    float64 `json:"bm25"`
	Overlap float64 `json:"overlap"`
}

// CandidateContext is the retrieval output handed to the engineer agent:
// four ordered document groups trimmed to a token budget. Trimming order is
// examples, then templates, then schemas, then glossary.
type CandidateContext struct {
	Schemas   []Document `json:"schemas"`
	Examples  []Document `json:"examples"`
	Templates []Document `json:"templates"`
	Glossary  []Document `json:"glossary"`

	// Concepts holds matched concept documents (diagnosis/procedure/column
	// value/label intent) that ground deterministic rewrites.
	Concepts []Document `json:"concepts,omitempty"`

	TokenCount int `json:"token_count"`
}

// Empty reports whether no documents survived retrieval and trimming.
func (c CandidateContext) Empty() bool {
	return len(c.Schemas) == 0 && len(c.Examples) == 0 &&
		len(c.Templates) == 0 && len(c.Glossary) == 0 && len(c.Concepts) == 0
}
