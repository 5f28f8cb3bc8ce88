package cohort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/go-playground/validator/v10"

	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/model"
)

// ErrInvalidParams marks parameter sets outside the allowed ranges.
// Mapped to input_error (400) by the HTTP layer.
var ErrInvalidParams = errors.New("cohort: invalid params")

// Runner executes one read-only statement. *oracle.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, sql string) (model.Table, error)
}

// Engine compiles and runs cohort simulations. Stateless between calls and
// safe for concurrent use: per-call state lives on the stack, and the
// bootstrap RNG is seeded per comparison.
type Engine struct {
	runner   Runner
	catalog  *metadata.Catalog
	validate *validator.Validate
	logger   *slog.Logger
}

// NewEngine wires the engine to an executor and the metadata catalog (for
// comorbidity groups).
func NewEngine(runner Runner, catalog *metadata.Catalog, logger *slog.Logger) *Engine {
	return &Engine{
		runner:   runner,
		catalog:  catalog,
		validate: validator.New(),
		logger:   logger,
	}
}

// check normalizes in place and validates the ranges.
func (e *Engine) check(p *model.CohortParams) error {
	p.Normalize()
	if err := e.validate.Struct(*p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// BundleFor validates one parameter set and compiles its SQL bundle.
func (e *Engine) BundleFor(p model.CohortParams) (SQLBundle, error) {
	if err := e.check(&p); err != nil {
		return nil, err
	}
	return Bundle(p, e.catalog.Comorbidities()), nil
}

// arm is everything computed for one parameter set.
type arm struct {
	snapshot  model.MetricSnapshot
	survival  []float64
	subgroups map[string][]subgroupRow // dimension -> rows
}

type subgroupRow struct {
	key    string
	n      int
	metric float64
}

// subgroup dimensions reported in the comparison grid, in output order.
var subgroupDims = []struct {
	dim string
	key string
}{
	{"age_band", KeyAgeSubgroup},
	{"gender", KeyGender},
	{"comorbidity", KeyComorbidity},
}

// Simulate runs the baseline and simulated arms and assembles the result.
// Identical parameter sets share one arm computation, which makes the two
// survival columns bit-identical by construction.
func (e *Engine) Simulate(ctx context.Context, baseline, simulated model.CohortParams) (model.CohortResult, error) {
	if err := e.check(&baseline); err != nil {
		return model.CohortResult{}, err
	}
	if err := e.check(&simulated); err != nil {
		return model.CohortResult{}, err
	}

	groups := e.catalog.Comorbidities()

	baseArm, err := e.runArm(ctx, Bundle(baseline, groups))
	if err != nil {
		return model.CohortResult{}, err
	}
	simArm := baseArm
	if baseline != simulated {
		if simArm, err = e.runArm(ctx, Bundle(simulated, groups)); err != nil {
			return model.CohortResult{}, err
		}
	}

	survival := make([]model.SurvivalPoint, len(DayCuts))
	for i, day := range DayCuts {
		survival[i] = model.SurvivalPoint{
			Day:       day,
			Current:   baseArm.survival[i],
			Simulated: simArm.survival[i],
		}
	}

	digest, seed := bootstrapSeed(baseline, simulated)
	rng := rand.New(rand.NewSource(seed))

	return model.CohortResult{
		Params:     simulated,
		Baseline:   baseline,
		Snapshot:   simArm.snapshot,
		BaseShot:   baseArm.snapshot,
		Confidence: confidencePayload(baseArm.snapshot, simArm.snapshot, digest, rng),
		Survival:   survival,
		Subgroups:  compareSubgroups(baseArm, simArm),
	}, nil
}

// runArm executes the bundle queries for one parameter set.
func (e *Engine) runArm(ctx context.Context, b SQLBundle) (*arm, error) {
	metrics, err := e.runner.Run(ctx, b[KeyMetrics])
	if err != nil {
		return nil, fmt.Errorf("cohort: metrics query: %w", err)
	}
	life, err := e.runner.Run(ctx, b[KeyLifeTable])
	if err != nil {
		return nil, fmt.Errorf("cohort: life table query: %w", err)
	}

	a := &arm{
		snapshot:  parseSnapshot(metrics),
		survival:  survivalCurve(parseLifeTable(life)),
		subgroups: make(map[string][]subgroupRow, len(subgroupDims)),
	}
	for _, d := range subgroupDims {
		t, err := e.runner.Run(ctx, b[d.key])
		if err != nil {
			return nil, fmt.Errorf("cohort: %s query: %w", d.dim, err)
		}
		a.subgroups[d.dim] = parseSubgroups(t)
	}
	return a, nil
}

// parseSnapshot reads the single metrics row. A zero-row result (empty
// cohort) yields the zero snapshot.
func parseSnapshot(t model.Table) model.MetricSnapshot {
	var s model.MetricSnapshot
	if len(t.Rows) == 0 {
		return s
	}
	row := t.Rows[0]
	get := func(name string) float64 {
		v, _ := cell(row, name)
		return v
	}
	s.PatientCount = int(get("PATIENT_COUNT"))
	s.AdmissionCount = int(get("ADMISSION_COUNT"))
	s.ReadmitRate = get("READMIT_RATE")
	s.Readmit30dRate = get("READMIT_30D_RATE")
	s.Readmit7dRate = get("READMIT_7D_RATE")
	s.MortalityRate = get("MORTALITY_RATE")
	s.LOSMean = get("LOS_MEAN")
	s.LOSMedian = get("LOS_MEDIAN")
	s.LOSStddev = get("LOS_STDDEV")
	s.LongStayRate = get("LONG_STAY_RATE")
	s.ICUAdmissionRate = get("ICU_ADMISSION_RATE")
	s.EREntryRate = get("ER_ENTRY_RATE")
	return s
}

// parseSubgroups reads (SUBGROUP, N, METRIC) rows in result order.
func parseSubgroups(t model.Table) []subgroupRow {
	rows := make([]subgroupRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		key := ""
		if canon, ok := t.HasColumn("SUBGROUP"); ok {
			if s, isStr := r[canon].(string); isStr {
				key = s
			}
		}
		if key == "" {
			continue
		}
		n, _ := cell(r, "N")
		metric, _ := cell(r, "METRIC")
		rows = append(rows, subgroupRow{key: key, n: int(n), metric: metric})
	}
	return rows
}

// compareSubgroups merges the two arms per dimension: baseline row order
// first, simulated-only keys appended, missing sides zero. Count reports
// the simulated arm (the "what if" cohort size).
func compareSubgroups(base, sim *arm) []model.SubgroupMetrics {
	var out []model.SubgroupMetrics
	for _, d := range subgroupDims {
		baseRows := base.subgroups[d.dim]
		simRows := sim.subgroups[d.dim]

		simByKey := make(map[string]subgroupRow, len(simRows))
		for _, r := range simRows {
			simByKey[r.key] = r
		}
		seen := make(map[string]bool, len(baseRows))

		for _, b := range baseRows {
			seen[b.key] = true
			s := simByKey[b.key]
			out = append(out, model.SubgroupMetrics{
				Subgroup:  b.key,
				Dimension: d.dim,
				Baseline:  b.metric,
				Simulated: s.metric,
				Delta:     s.metric - b.metric,
				Count:     s.n,
			})
		}
		for _, s := range simRows {
			if seen[s.key] {
				continue
			}
			out = append(out, model.SubgroupMetrics{
				Subgroup:  s.key,
				Dimension: d.dim,
				Simulated: s.metric,
				Delta:     s.metric,
				Count:     s.n,
			})
		}
	}
	return out
}
