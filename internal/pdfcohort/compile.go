package pdfcohort

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/karte/internal/metadata"
)

// minStayHours is the population floor: first ICU stays shorter than this
// are excluded.
const minStayHours = 24

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	numberRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// joinPreference orders the population keys a step table can chain on,
// tightest first.
var joinPreference = []string{"STAY_ID", "HADM_ID", "SUBJECT_ID"}

// timePreference orders the event-time candidates used for lookback
// windows.
var timePreference = []string{"CHARTTIME", "STARTTIME", "STORETIME", "ADMITTIME", "INTIME"}

// Compile renders verified steps into one CTE cascade. The population CTE
// selects each subject's first ICU stay longer than minStayHours; every
// step chains the previous CTE, inclusion via EXISTS and exclusion via
// NOT EXISTS. Identifiers are emitted from the catalog entry, never from
// the model reply.
func Compile(steps []Step, schemas []metadata.TableSchema) (string, []string, error) {
	idx := newSchemaIndex(schemas)

	var b strings.Builder
	b.WriteString(populationCTE())
	var notes []string
	prev := "population"
	for i, s := range steps {
		name := fmt.Sprintf("step_%d", i+1)
		body, stepNotes, err := stepCTE(s, prev, idx)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, ", %s AS (\n%s\n)", name, body)
		notes = append(notes, stepNotes...)
		prev = name
	}
	fmt.Fprintf(&b, "\nSELECT SUBJECT_ID, HADM_ID, STAY_ID, INTIME, OUTTIME FROM %s\nORDER BY SUBJECT_ID", prev)
	return b.String(), notes, nil
}

// populationCTE is the cascade base: one row per subject, the first ICU
// stay by INTIME, kept when longer than the floor. HADM_ID rides along
// for admission-level criteria.
func populationCTE() string {
	return fmt.Sprintf(`WITH population AS (
    SELECT SUBJECT_ID, HADM_ID, STAY_ID, INTIME, OUTTIME
    FROM (
        SELECT SUBJECT_ID, HADM_ID, STAY_ID, INTIME, OUTTIME,
               ROW_NUMBER() OVER (PARTITION BY SUBJECT_ID ORDER BY INTIME) AS STAY_RN
        FROM ICUSTAYS
    )
    WHERE STAY_RN = 1
      AND (CAST(OUTTIME AS DATE) - CAST(INTIME AS DATE)) * 24 > %d
)`, minStayHours)
}

// stepCTE renders one criterion as a filter over the previous CTE.
func stepCTE(s Step, prev string, idx schemaIndex) (string, []string, error) {
	table, ok := idx.table(s.Table)
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown table %q", ErrSchemaMismatch, s.Table)
	}
	joinCol, ok := pickColumn(table, joinPreference)
	if !ok {
		return "", nil, fmt.Errorf("%w: table %q has no stay, admission, or subject key", ErrSchemaMismatch, s.Table)
	}

	preds := []string{fmt.Sprintf("t.%s = p.%s", joinCol, joinCol)}
	var notes []string

	if s.Column != "" {
		col, ok := idx.column(table, s.Column)
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown column %q in table %q", ErrSchemaMismatch, s.Column, s.Table)
		}
		if len(s.Values) > 0 {
			preds = append(preds, fmt.Sprintf("t.%s IN (%s)", strings.ToUpper(col.Name), valueList(s.Values, col.Type)))
		}
	}
	if s.LookbackDays > 0 {
		if timeCol, ok := pickColumn(table, timePreference); ok {
			preds = append(preds, fmt.Sprintf("t.%s BETWEEN p.INTIME - %d AND p.INTIME", timeCol, s.LookbackDays))
		} else {
			notes = append(notes, fmt.Sprintf("step %q: no event-time column on %s, lookback ignored", s.Concept, s.Table))
		}
	}

	op := "EXISTS"
	if s.Kind == KindExclusion {
		op = "NOT EXISTS"
	}
	body := fmt.Sprintf(`    SELECT p.* FROM %s p
    WHERE %s (
        SELECT 1 FROM %s t
        WHERE %s
    )`, prev, op, strings.ToUpper(table.Name), strings.Join(preds, "\n          AND "))
	return body, notes, nil
}

// valueList renders the IN literals. A literal stays numeric only when
// both the column type and the value are; everything else is quoted with
// doubled single quotes.
func valueList(values []string, colType string) string {
	numeric := numericType(colType)
	out := make([]string, len(values))
	for i, v := range values {
		if numeric && numberRe.MatchString(v) {
			out[i] = v
			continue
		}
		out[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(out, ", ")
}

func numericType(t string) bool {
	t = strings.ToUpper(t)
	return strings.Contains(t, "NUMBER") || strings.Contains(t, "INT") || strings.Contains(t, "FLOAT")
}

// schemaIndex resolves lowercased table names to their catalog entries.
// Entries with non-identifier names never enter the index, so a lookup
// hit is always safe to splice into SQL.
type schemaIndex map[string]metadata.TableSchema

func newSchemaIndex(schemas []metadata.TableSchema) schemaIndex {
	idx := make(schemaIndex, len(schemas))
	for _, s := range schemas {
		if identRe.MatchString(s.Name) {
			idx[strings.ToLower(s.Name)] = s
		}
	}
	return idx
}

func (idx schemaIndex) table(name string) (metadata.TableSchema, bool) {
	s, ok := idx[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

func (idx schemaIndex) column(t metadata.TableSchema, name string) (metadata.Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) && identRe.MatchString(c.Name) {
			return c, true
		}
	}
	return metadata.Column{}, false
}

// pickColumn returns the first candidate the table carries, in candidate
// order, uppercased for emission.
func pickColumn(t metadata.TableSchema, candidates []string) (string, bool) {
	for _, want := range candidates {
		for _, c := range t.Columns {
			if strings.EqualFold(c.Name, want) && identRe.MatchString(c.Name) {
				return strings.ToUpper(c.Name), true
			}
		}
	}
	return "", false
}
