package viz

import (
	"fmt"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/ashita-ai/karte/internal/model"
)

// numericInsight is the statistical fallback served when no chart plan
// survives: a per-column summary over the numeric columns.
func numericInsight(f Frame) string {
	if f.Table.Len() == 0 {
		return "empty result: no values to summarize"
	}
	var parts []string
	for _, cs := range f.Columns {
		if cs.Role != RoleNumeric {
			continue
		}
		var vals stats.Float64Data
		for _, v := range f.Table.Column(cs.Name) {
			if fv, ok := model.Float64(v); ok {
				vals = append(vals, fv)
			}
		}
		if len(vals) == 0 {
			continue
		}
		mean, _ := stats.Mean(vals)
		med, _ := stats.Median(vals)
		mn, _ := stats.Min(vals)
		mx, _ := stats.Max(vals)
		parts = append(parts, fmt.Sprintf("%s: mean %.2f, median %.2f, range %.2f-%.2f (n=%d)",
			cs.Name, mean, med, mn, mx, len(vals)))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d rows, no numeric columns to summarize", f.Table.Len())
	}
	return strings.Join(parts, "; ")
}
