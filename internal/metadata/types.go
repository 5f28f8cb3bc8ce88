package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// Column describes one column of a cataloged table.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Comment string `json:"comment,omitempty"`
}

// TableSchema is one entry of the MIMIC-IV schema catalog.
type TableSchema struct {
	Name        string   `json:"table"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Document renders the schema as a retrieval document.
func (s TableSchema) Document() model.Document {
	var b strings.Builder
	fmt.Fprintf(&b, "TABLE %s", strings.ToUpper(s.Name))
	if s.Description != "" {
		fmt.Fprintf(&b, ": %s", s.Description)
	}
	for _, col := range s.Columns {
		fmt.Fprintf(&b, "\n  %s %s", col.Name, col.Type)
		if col.Comment != "" {
			fmt.Fprintf(&b, " -- %s", col.Comment)
		}
	}
	name := strings.ToLower(s.Name)
	return model.Document{
		ID:   model.DocID(model.DocSchema, name),
		Text: b.String(),
		Meta: model.DocumentMeta{Type: model.DocSchema, Table: name, Label: s.Description},
	}
}

// CodeEntry is one diagnosis or procedure code mapping. Version is the ICD
// revision (9 or 10); zero means the code is revision-agnostic.
type CodeEntry struct {
	Code     string   `json:"code"`
	Version  int      `json:"icd_version,omitempty"`
	Label    string   `json:"label"`
	LabelKO  string   `json:"label_ko,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

func (e CodeEntry) matchTerms() []string {
	terms := []string{e.Label, e.LabelKO}
	return append(terms, e.Keywords...)
}

// Document renders the code entry as a retrieval document of the given map
// type (diagnosis_map or procedure_map).
func (e CodeEntry) Document(t model.DocType) model.Document {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Code, e.Label)
	if e.LabelKO != "" {
		fmt.Fprintf(&b, " (%s)", e.LabelKO)
	}
	if len(e.Keywords) > 0 {
		fmt.Fprintf(&b, " keywords: %s", strings.Join(e.Keywords, ", "))
	}
	meta := model.DocumentMeta{Type: t, Code: e.Code, Label: e.Label}
	if e.Version != 0 {
		meta.Extra = map[string]string{"icd_version": strconv.Itoa(e.Version)}
	}
	return model.Document{
		ID:   model.DocID(t, e.Code),
		Text: b.String(),
		Meta: meta,
	}
}

// ColumnValue maps a categorical value of a table column to the phrases
// users write for it ("응급실" -> admissions.admission_location = 'EMERGENCY
// ROOM').
type ColumnValue struct {
	Table    string   `json:"table"`
	Column   string   `json:"column"`
	Value    string   `json:"value"`
	Label    string   `json:"label,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

func (v ColumnValue) matchTerms() []string {
	terms := []string{v.Label}
	return append(terms, v.Keywords...)
}

// Document renders the column value as a retrieval document.
func (v ColumnValue) Document() model.Document {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s = '%s'", v.Table, v.Column, v.Value)
	if v.Label != "" {
		fmt.Fprintf(&b, " -- %s", v.Label)
	}
	if len(v.Keywords) > 0 {
		fmt.Fprintf(&b, " keywords: %s", strings.Join(v.Keywords, ", "))
	}
	key := fmt.Sprintf("%s.%s.%s", strings.ToLower(v.Table), strings.ToLower(v.Column), v.Value)
	return model.Document{
		ID:   model.DocID(model.DocColumnValue, key),
		Text: b.String(),
		Meta: model.DocumentMeta{
			Type:  model.DocColumnValue,
			Table: strings.ToLower(v.Table),
			Code:  v.Value,
			Label: v.Label,
			Extra: map[string]string{"column": strings.ToLower(v.Column)},
		},
	}
}

// LabelIntent profiles a measurement label: which itemids carry it, which
// table to read, and which analysis intent it usually implies.
type LabelIntent struct {
	Label    string   `json:"label"`
	Table    string   `json:"table,omitempty"`
	ItemIDs  []int    `json:"item_ids,omitempty"`
	Intent   string   `json:"intent,omitempty"`
	Hint     string   `json:"hint,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

func (l LabelIntent) matchTerms() []string {
	terms := []string{l.Label}
	return append(terms, l.Keywords...)
}

// Document renders the label profile as a retrieval document.
func (l LabelIntent) Document() model.Document {
	var b strings.Builder
	b.WriteString(l.Label)
	if l.Table != "" {
		fmt.Fprintf(&b, " table=%s", l.Table)
	}
	if len(l.ItemIDs) > 0 {
		ids := make([]string, len(l.ItemIDs))
		for i, id := range l.ItemIDs {
			ids[i] = strconv.Itoa(id)
		}
		fmt.Fprintf(&b, " itemid IN (%s)", strings.Join(ids, ", "))
	}
	if l.Hint != "" {
		fmt.Fprintf(&b, " -- %s", l.Hint)
	}
	meta := model.DocumentMeta{Type: model.DocLabelIntent, Table: strings.ToLower(l.Table), Label: l.Label}
	if l.Intent != "" {
		meta.Extra = map[string]string{"intent": l.Intent}
	}
	return model.Document{
		ID:   model.DocID(model.DocLabelIntent, l.Label),
		Text: b.String(),
		Meta: meta,
	}
}

// GlossaryEntry defines a clinical or dataset term.
type GlossaryEntry struct {
	Term       string   `json:"term"`
	Definition string   `json:"definition"`
	Synonyms   []string `json:"synonyms,omitempty"`
}

func (g GlossaryEntry) matchTerms() []string {
	terms := []string{g.Term}
	return append(terms, g.Synonyms...)
}

// Document renders the glossary entry as a retrieval document.
func (g GlossaryEntry) Document() model.Document {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", g.Term, g.Definition)
	if len(g.Synonyms) > 0 {
		fmt.Fprintf(&b, " (also: %s)", strings.Join(g.Synonyms, ", "))
	}
	return model.Document{
		ID:   model.DocID(model.DocGlossary, g.Term),
		Text: b.String(),
		Meta: model.DocumentMeta{Type: model.DocGlossary, Label: g.Term},
	}
}

// ExamplePair is a curated question with its reviewed SQL answer.
type ExamplePair struct {
	Question string   `json:"question"`
	SQL      string   `json:"sql"`
	Tags     []string `json:"tags,omitempty"`
}

// Document renders the pair as a retrieval document. The ID hashes the
// question so reindexing after reordering the file keeps IDs stable.
func (e ExamplePair) Document() model.Document {
	sum := sha256.Sum256([]byte(e.Question))
	return model.Document{
		ID:   model.DocID(model.DocExample, hex.EncodeToString(sum[:6])),
		Text: fmt.Sprintf("Q: %s\nSQL: %s", e.Question, e.SQL),
		Meta: model.DocumentMeta{Type: model.DocExample, Label: e.Question},
	}
}

// Template is a parameterized SQL shape for a recurring analysis.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	SQL         string   `json:"sql"`
	Keywords    []string `json:"keywords,omitempty"`
}

func (t Template) matchTerms() []string {
	terms := []string{t.Name, t.Description}
	return append(terms, t.Keywords...)
}

// Document renders the template as a retrieval document.
func (t Template) Document() model.Document {
	var b strings.Builder
	b.WriteString(t.Name)
	if t.Description != "" {
		fmt.Fprintf(&b, ": %s", t.Description)
	}
	fmt.Fprintf(&b, "\nSQL: %s", t.SQL)
	return model.Document{
		ID:   model.DocID(model.DocTemplate, t.Name),
		Text: b.String(),
		Meta: model.DocumentMeta{Type: model.DocTemplate, Label: t.Name},
	}
}
