package model

import (
	"strconv"
	"strings"
	"time"
)

// Table is a column-ordered query result. Rows preserve the executor's
// column order through the Columns slice; the maps hold driver values
// (string, int64, float64, time.Time, nil).
type Table struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ColType is the inferred type of a table column.
type ColType string

const (
	ColNumeric ColType = "numeric"
	ColTime    ColType = "time"
	ColString  ColType = "string"
	ColEmpty   ColType = "empty"
)

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Rows) }

// HasColumn reports whether a column exists, case-insensitively, and
// returns its canonical name.
func (t Table) HasColumn(name string) (string, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// Column returns all values for a column, or nil when absent.
func (t Table) Column(name string) []any {
	canon, ok := t.HasColumn(name)
	if !ok {
		return nil
	}
	vals := make([]any, 0, len(t.Rows))
	for _, r := range t.Rows {
		vals = append(vals, r[canon])
	}
	return vals
}

// timeLayouts are accepted when sniffing string-typed time columns.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006/01/02",
}

// InferType inspects up to 50 non-nil values and classifies the column.
// Mixed columns fall back to string.
func (t Table) InferType(name string) ColType {
	vals := t.Column(name)
	if vals == nil {
		return ColEmpty
	}
	var numeric, timish, str, seen int
	for _, v := range vals {
		if v == nil {
			continue
		}
		seen++
		switch x := v.(type) {
		case int, int32, int64, float32, float64:
			numeric++
		case time.Time:
			timish++
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				numeric++
			} else if looksLikeTime(x) {
				timish++
			} else {
				str++
			}
		default:
			str++
		}
		if seen >= 50 {
			break
		}
	}
	if seen == 0 {
		return ColEmpty
	}
	switch {
	case timish > 0 && timish >= numeric && timish >= str:
		return ColTime
	case numeric > 0 && str == 0 && timish == 0:
		return ColNumeric
	default:
		return ColString
	}
}

func looksLikeTime(s string) bool {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// DistinctCount returns the number of distinct non-nil values in a column.
func (t Table) DistinctCount(name string) int {
	seen := map[string]struct{}{}
	for _, v := range t.Column(name) {
		if v == nil {
			continue
		}
		seen[valueKey(v)] = struct{}{}
	}
	return len(seen)
}

func valueKey(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return strings.TrimSpace(strings.ToLower(strconv.Quote(strings.TrimSpace(asString(v)))))
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if st, ok := v.(interface{ String() string }); ok {
		return st.String()
	}
	return ""
}

// Float64 coerces a cell value to float64. The second return is false for
// nil, non-numeric strings, and unsupported types.
func Float64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Preview returns the first n rows (used for table_preview payloads).
func (t Table) Preview(n int) Table {
	if len(t.Rows) <= n {
		return t
	}
	return Table{Columns: t.Columns, Rows: t.Rows[:n]}
}
