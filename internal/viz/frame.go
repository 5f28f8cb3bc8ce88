// Package viz turns a query result into ranked chart recommendations.
// The pipeline mirrors the query side: summarize the frame, extract an
// analysis intent (LLM with a deterministic fallback), validate candidate
// plans against clinical plotting rules, then render the survivors with
// go-echarts. When nothing renderable survives, a numeric insight is
// served instead.
package viz

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// ColumnRole classifies a result column for plan validation.
type ColumnRole string

const (
	RoleNumeric    ColumnRole = "numeric"
	RoleTime       ColumnRole = "time"
	RoleCategory   ColumnRole = "category"
	RoleIdentifier ColumnRole = "identifier"
	RoleEmpty      ColumnRole = "empty"
)

// ColumnSummary is one column's profile: role, cardinality and a few
// sample values for the intent prompt.
type ColumnSummary struct {
	Name     string
	Role     ColumnRole
	Distinct int
	Samples  []string
}

// Frame is the profiled result set the planner works on.
type Frame struct {
	Table   model.Table
	Columns []ColumnSummary
}

const sampleLimit = 3

// identifier columns are never axes or groups except in per-stay
// trajectory charts. Matched on the canonical MIMIC-IV key names plus
// the generic *_ID suffix.
var identifierNames = map[string]struct{}{
	"SUBJECT_ID":  {},
	"HADM_ID":     {},
	"STAY_ID":     {},
	"PATIENT_ID":  {},
	"ITEMID":      {},
	"ROW_ID":      {},
	"TRANSFER_ID": {},
}

// DAY and HOUR are deliberately absent: LOS_DAYS and friends are
// durations, not calendar columns.
var timeNameHints = []string{
	"TIME", "DATE", "MONTH", "YEAR", "WEEK",
	"날짜", "일자", "시간", "시각", "연도", "년도", "일시", "월",
}

// Summarize profiles every column of a result table.
func Summarize(t model.Table) Frame {
	f := Frame{Table: t, Columns: make([]ColumnSummary, 0, len(t.Columns))}
	for _, name := range t.Columns {
		f.Columns = append(f.Columns, summarizeColumn(t, name))
	}
	return f
}

func summarizeColumn(t model.Table, name string) ColumnSummary {
	cs := ColumnSummary{Name: name, Distinct: t.DistinctCount(name)}
	for _, v := range t.Column(name) {
		if v == nil {
			continue
		}
		s := valueLabel(v)
		if !containsString(cs.Samples, s) {
			cs.Samples = append(cs.Samples, s)
		}
		if len(cs.Samples) == sampleLimit {
			break
		}
	}
	cs.Role = columnRole(t, name)
	return cs
}

func columnRole(t model.Table, name string) ColumnRole {
	if IsIdentifierName(name) {
		return RoleIdentifier
	}
	switch t.InferType(name) {
	case model.ColTime:
		return RoleTime
	case model.ColNumeric:
		// Numeric values under a time-shaped name (ADMIT_YEAR,
		// ICU_ADMIT_MONTH, 입실월) still plot as a time axis.
		if hasTimeName(name) {
			return RoleTime
		}
		return RoleNumeric
	case model.ColEmpty:
		return RoleEmpty
	default:
		if hasTimeName(name) {
			return RoleTime
		}
		return RoleCategory
	}
}

// IsIdentifierName reports whether a column name is a row identity key.
func IsIdentifierName(name string) bool {
	u := strings.ToUpper(strings.TrimSpace(name))
	if _, ok := identifierNames[u]; ok {
		return true
	}
	return strings.HasSuffix(u, "_ID")
}

func hasTimeName(name string) bool {
	u := strings.ToUpper(name)
	for _, hint := range timeNameHints {
		if strings.Contains(u, hint) {
			return true
		}
	}
	return false
}

// IsElapsedName reports whether a column carries time since a clinical
// anchor rather than calendar time. Elapsed axes are the only time axes
// allowed for ICU-course trends.
func IsElapsedName(name string) bool {
	u := strings.ToUpper(name)
	for _, hint := range []string{"ELAPSED", "_DAYS", "_HOURS", "DAYS_SINCE", "HOURS_SINCE", "ICU_DAY", "HOSP_DAY"} {
		if strings.Contains(u, hint) {
			return true
		}
	}
	return false
}

// Column returns the summary for name, matched case-insensitively.
func (f Frame) Column(name string) (ColumnSummary, bool) {
	for _, cs := range f.Columns {
		if strings.EqualFold(cs.Name, name) {
			return cs, true
		}
	}
	return ColumnSummary{}, false
}

// Resolve maps a loosely-cased column reference onto the frame's
// canonical name. Empty input and unknown names both resolve to "".
func (f Frame) Resolve(name string) string {
	if name == "" {
		return ""
	}
	if cs, ok := f.Column(name); ok {
		return cs.Name
	}
	return ""
}

// HasIdentifiers reports whether the frame is row-level, i.e. still
// carries per-patient or per-stay keys.
func (f Frame) HasIdentifiers() bool {
	for _, cs := range f.Columns {
		if cs.Role == RoleIdentifier {
			return true
		}
	}
	return false
}

// Numerics lists numeric columns in table order.
func (f Frame) Numerics() []string {
	var out []string
	for _, cs := range f.Columns {
		if cs.Role == RoleNumeric {
			out = append(out, cs.Name)
		}
	}
	return out
}

// Categories lists category columns in table order.
func (f Frame) Categories() []string {
	var out []string
	for _, cs := range f.Columns {
		if cs.Role == RoleCategory {
			out = append(out, cs.Name)
		}
	}
	return out
}

// TimeColumns lists time-usable columns: real time roles plus elapsed
// numerics.
func (f Frame) TimeColumns() []string {
	var out []string
	for _, cs := range f.Columns {
		if cs.Role == RoleTime || (cs.Role == RoleNumeric && IsElapsedName(cs.Name)) {
			out = append(out, cs.Name)
		}
	}
	return out
}

// PromptSummary renders the frame for the intent-extraction prompt.
func (f Frame) PromptSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows: %d\n", f.Table.Len())
	for _, cs := range f.Columns {
		fmt.Fprintf(&b, "- %s (%s, %d distinct)", cs.Name, cs.Role, cs.Distinct)
		if len(cs.Samples) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(cs.Samples, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// valueLabel renders any cell value as a chart label.
func valueLabel(v any) string {
	if v == nil {
		return ""
	}
	if fv, ok := model.Float64(v); ok {
		if fv == float64(int64(fv)) {
			return fmt.Sprintf("%d", int64(fv))
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", fv), "0"), ".")
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
