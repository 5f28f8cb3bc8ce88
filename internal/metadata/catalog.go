// Package metadata loads the curated MIMIC-IV corpora (schema catalog,
// code maps, glossary, examples, templates, comorbidity groups) from JSON
// files and serves them with mtime-based caching so edits on disk are
// picked up without a restart.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Catalog is the entry point for all metadata corpora. A single Catalog is
// shared across the process; every accessor is safe for concurrent use.
type Catalog struct {
	dir string

	schemas      table[TableSchema]
	diagnoses    table[CodeEntry]
	procedures   table[CodeEntry]
	columnValues table[ColumnValue]
	labelIntents table[LabelIntent]
	glossary     table[GlossaryEntry]
	examples     table[ExamplePair]
	templates    table[Template]
	comorbidity  table[ComorbidityGroup]
}

// NewCatalog returns a catalog rooted at dir. Files are loaded lazily on
// first access.
func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:          dir,
		schemas:      table[TableSchema]{name: "schema_catalog"},
		diagnoses:    table[CodeEntry]{name: "diagnosis_map"},
		procedures:   table[CodeEntry]{name: "procedure_map"},
		columnValues: table[ColumnValue]{name: "column_values"},
		labelIntents: table[LabelIntent]{name: "label_intents"},
		glossary:     table[GlossaryEntry]{name: "glossary"},
		examples:     table[ExamplePair]{name: "examples"},
		templates:    table[Template]{name: "templates"},
		comorbidity:  table[ComorbidityGroup]{name: "comorbidity_groups"},
	}
}

// Dir returns the metadata root directory.
func (c *Catalog) Dir() string { return c.dir }

// Schemas returns the MIMIC-IV table catalog.
func (c *Catalog) Schemas() ([]TableSchema, error) { return c.schemas.load(c.dir) }

// Diagnoses returns the diagnosis code map.
func (c *Catalog) Diagnoses() ([]CodeEntry, error) { return c.diagnoses.load(c.dir) }

// Procedures returns the procedure code map.
func (c *Catalog) Procedures() ([]CodeEntry, error) { return c.procedures.load(c.dir) }

// ColumnValues returns the categorical column-value hints.
func (c *Catalog) ColumnValues() ([]ColumnValue, error) { return c.columnValues.load(c.dir) }

// LabelIntents returns the measurement label profiles.
func (c *Catalog) LabelIntents() ([]LabelIntent, error) { return c.labelIntents.load(c.dir) }

// Glossary returns the clinical term glossary.
func (c *Catalog) Glossary() ([]GlossaryEntry, error) { return c.glossary.load(c.dir) }

// Examples returns the curated question/SQL pairs.
func (c *Catalog) Examples() ([]ExamplePair, error) { return c.examples.load(c.dir) }

// Templates returns the parameterized SQL templates.
func (c *Catalog) Templates() ([]Template, error) { return c.templates.load(c.dir) }

// Comorbidities returns the comorbidity prefix groups, falling back to the
// built-in groups when no file is present. Cohort subgroup analysis depends
// on this never being empty.
func (c *Catalog) Comorbidities() []ComorbidityGroup {
	groups, err := c.comorbidity.load(c.dir)
	if err != nil || len(groups) == 0 {
		return builtinComorbidities()
	}
	return groups
}

// TableNames returns the lowercase names of every cataloged table.
func (c *Catalog) TableNames() ([]string, error) {
	schemas, err := c.Schemas()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, strings.ToLower(s.Name))
	}
	return names, nil
}

// MatchDiagnoses returns diagnosis entries whose keywords appear in the
// question, highest score first.
func (c *Catalog) MatchDiagnoses(question string, limit int) ([]CodeEntry, error) {
	entries, err := c.Diagnoses()
	if err != nil {
		return nil, err
	}
	return rank(entries, question, limit, func(e CodeEntry) []string { return e.matchTerms() }), nil
}

// MatchProcedures returns procedure entries whose keywords appear in the
// question, highest score first.
func (c *Catalog) MatchProcedures(question string, limit int) ([]CodeEntry, error) {
	entries, err := c.Procedures()
	if err != nil {
		return nil, err
	}
	return rank(entries, question, limit, func(e CodeEntry) []string { return e.matchTerms() }), nil
}

// MatchColumnValues returns column-value hints whose keywords appear in the
// question, highest score first.
func (c *Catalog) MatchColumnValues(question string, limit int) ([]ColumnValue, error) {
	entries, err := c.ColumnValues()
	if err != nil {
		return nil, err
	}
	return rank(entries, question, limit, func(e ColumnValue) []string { return e.matchTerms() }), nil
}

// MatchLabelIntents returns label profiles whose keywords appear in the
// question, highest score first.
func (c *Catalog) MatchLabelIntents(question string, limit int) ([]LabelIntent, error) {
	entries, err := c.LabelIntents()
	if err != nil {
		return nil, err
	}
	return rank(entries, question, limit, func(e LabelIntent) []string { return e.matchTerms() }), nil
}

// MatchTemplates returns templates whose keywords appear in the question,
// highest score first.
func (c *Catalog) MatchTemplates(question string, limit int) ([]Template, error) {
	entries, err := c.Templates()
	if err != nil {
		return nil, err
	}
	return rank(entries, question, limit, func(e Template) []string { return e.matchTerms() }), nil
}

// table caches one parsed metadata file keyed by its modification time.
// Both .json (array) and .jsonl (one record per line) layouts are accepted.
type table[E any] struct {
	name string

	mu      sync.Mutex
	path    string
	modTime time.Time
	records []E
	loaded  bool
}

func (t *table[E]) load(dir string) ([]E, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, info, err := resolve(dir, t.name)
	if err != nil {
		return nil, err
	}
	if t.loaded && path == t.path && info.ModTime().Equal(t.modTime) {
		return t.records, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read %s: %w", path, err)
	}
	records, err := parseRecords[E](path, data)
	if err != nil {
		return nil, fmt.Errorf("metadata: parse %s: %w", path, err)
	}

	t.path = path
	t.modTime = info.ModTime()
	t.records = records
	t.loaded = true
	return records, nil
}

// resolve finds <dir>/<name>.json or <dir>/<name>.jsonl, in that order.
func resolve(dir, name string) (string, os.FileInfo, error) {
	for _, ext := range []string{".json", ".jsonl"} {
		path := filepath.Join(dir, name+ext)
		info, err := os.Stat(path)
		if err == nil {
			return path, info, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("metadata: stat %s: %w", path, err)
		}
	}
	return "", nil, fmt.Errorf("metadata: %s.json[l] under %s: %w", name, dir, os.ErrNotExist)
}

func parseRecords[E any](path string, data []byte) ([]E, error) {
	if strings.HasSuffix(path, ".jsonl") {
		var out []E
		for i, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var rec E
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			out = append(out, rec)
		}
		return out, nil
	}
	var out []E
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize lowercases and strips all whitespace so Korean phrases match
// regardless of spacing ("심근 경색" vs "심근경색").
func normalize(s string) string {
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

// rank orders entries by cumulative keyword-containment score against the
// question and keeps the top limit entries with a positive score. Longer
// keyword hits weigh more than short ones.
func rank[E any](entries []E, question string, limit int, terms func(E) []string) []E {
	nq := normalize(question)
	if nq == "" {
		return nil
	}

	type scored struct {
		entry E
		score float64
		pos   int
	}
	var hits []scored
	for i, e := range entries {
		var score float64
		for _, term := range terms(e) {
			nt := normalize(term)
			if nt == "" {
				continue
			}
			if strings.Contains(nq, nt) {
				score += float64(len([]rune(nt)))
			}
		}
		if score > 0 {
			hits = append(hits, scored{entry: e, score: score, pos: i})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pos < hits[j].pos
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]E, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}
