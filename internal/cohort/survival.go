package cohort

import (
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// lifeBucket aggregates one DayCuts interval of the life table.
type lifeBucket struct {
	deaths   float64
	censored float64
}

// parseLifeTable maps the life_table_sql rows (BUCKET, DEATHS, CENSORED)
// onto the fixed bucket set. Buckets missing from the result stay zero;
// out-of-range bucket indexes are dropped.
func parseLifeTable(t model.Table) []lifeBucket {
	buckets := make([]lifeBucket, len(DayCuts))
	for _, row := range t.Rows {
		idx, ok := cell(row, "BUCKET")
		if !ok {
			continue
		}
		i := int(idx)
		if i < 0 || i >= len(buckets) {
			continue
		}
		if d, ok := cell(row, "DEATHS"); ok {
			buckets[i].deaths = d
		}
		if c, ok := cell(row, "CENSORED"); ok {
			buckets[i].censored = c
		}
	}
	return buckets
}

// survivalCurve evaluates the life-table Kaplan-Meier estimate at every
// DayCut, in percent. Actuarial correction: half of an interval's censored
// admissions count as at risk. An empty cohort yields a flat 100% curve.
func survivalCurve(buckets []lifeBucket) []float64 {
	atRisk := 0.0
	for _, b := range buckets {
		atRisk += b.deaths + b.censored
	}

	out := make([]float64, len(DayCuts))
	out[0] = 100.0
	surv := 100.0
	for i := 1; i < len(DayCuts); i++ {
		b := buckets[i-1]
		if eff := atRisk - b.censored/2; eff > 0 {
			q := b.deaths / eff
			if q > 1 {
				q = 1
			}
			surv *= 1 - q
		}
		out[i] = surv
		atRisk -= b.deaths + b.censored
	}
	return out
}

// cell coerces a named column of a result row to float64, matching the
// column case-insensitively (drivers disagree on case).
func cell(row map[string]any, name string) (float64, bool) {
	if v, ok := row[name]; ok {
		return model.Float64(v)
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return model.Float64(v)
		}
	}
	return 0, false
}
