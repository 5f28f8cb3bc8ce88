package model

// CohortParams parameterizes the cohort simulation. Ranges are enforced with
// the validator tags; Normalize fills zero values from the defaults.
type CohortParams struct {
	ReadmitDays   int    `json:"readmit_days" validate:"min=7,max=90"`
	AgeThreshold  int    `json:"age_threshold" validate:"min=18,max=95"`
	LOSThreshold  int    `json:"los_threshold" validate:"min=1,max=30"`
	Gender        string `json:"gender" validate:"oneof=all M F"`
	ICUOnly       bool   `json:"icu_only"`
	EntryFilter   string `json:"entry_filter" validate:"oneof=all er non_er"`
	OutcomeFilter string `json:"outcome_filter" validate:"oneof=all survived expired"`
}

// DefaultCohortParams is the baseline configuration used when the caller
// omits a baseline.
func DefaultCohortParams() CohortParams {
	return CohortParams{
		ReadmitDays:   30,
		AgeThreshold:  65,
		LOSThreshold:  7,
		Gender:        "all",
		ICUOnly:       true,
		EntryFilter:   "all",
		OutcomeFilter: "all",
	}
}

// Normalize fills unset enum fields with their "all" default so partially
// specified request bodies validate.
func (p *CohortParams) Normalize() {
	if p.Gender == "" {
		p.Gender = "all"
	}
	if p.EntryFilter == "" {
		p.EntryFilter = "all"
	}
	if p.OutcomeFilter == "" {
		p.OutcomeFilter = "all"
	}
	d := DefaultCohortParams()
	if p.ReadmitDays == 0 {
		p.ReadmitDays = d.ReadmitDays
	}
	if p.AgeThreshold == 0 {
		p.AgeThreshold = d.AgeThreshold
	}
	if p.LOSThreshold == 0 {
		p.LOSThreshold = d.LOSThreshold
	}
}

// MetricSnapshot is one arm's aggregate metrics. ReadmitRate uses the
// configured readmit_days window; the 30d/7d rates are fixed-window.
type MetricSnapshot struct {
	PatientCount     int     `json:"patient_count"`
	AdmissionCount   int     `json:"admission_count"`
	ReadmitRate      float64 `json:"readmit_rate"`
	Readmit30dRate   float64 `json:"readmit_30d_rate"`
	Readmit7dRate    float64 `json:"readmit_7d_rate"`
	MortalityRate    float64 `json:"mortality_rate"`
	LOSMean          float64 `json:"los_mean"`
	LOSMedian        float64 `json:"los_median"`
	LOSStddev        float64 `json:"los_stddev"`
	LongStayRate     float64 `json:"long_stay_rate"`
	ICUAdmissionRate float64 `json:"icu_admission_rate"`
	EREntryRate      float64 `json:"er_entry_rate"`
}

// MetricConfidence is the uncertainty report for one compared metric.
type MetricConfidence struct {
	Metric        string     `json:"metric"`
	Baseline      float64    `json:"baseline"`
	Simulated     float64    `json:"simulated"`
	Delta         float64    `json:"delta"`
	CI95          [2]float64 `json:"ci_95"`          // Wald (proportions) or t-style (means)
	BootstrapCI95 [2]float64 `json:"bootstrap_ci_95"`
	PValue        float64    `json:"p_value"`
	EffectSize    float64    `json:"effect_size"` // Cohen's h for proportions, d for means
	Significant   bool       `json:"significant"`
}

// ConfidencePayload bundles per-metric confidence reports.
type ConfidencePayload struct {
	Metrics []MetricConfidence `json:"metrics"`
	Seed    string             `json:"seed"` // hex digest driving the bootstrap RNG
}

// SurvivalPoint is one life-table evaluation: percent surviving at a day cut.
type SurvivalPoint struct {
	Day       int     `json:"day"`
	Current   float64 `json:"current"`
	Simulated float64 `json:"simulated"`
}

// SubgroupMetrics is one subgroup row of the comparison grid.
type SubgroupMetrics struct {
	Subgroup  string  `json:"subgroup"`
	Dimension string  `json:"dimension"` // age_band | gender | comorbidity
	Baseline  float64 `json:"baseline"`
	Simulated float64 `json:"simulated"`
	Delta     float64 `json:"delta"`
	Count     int     `json:"count"`
}

// CohortResult is the full simulation response.
type CohortResult struct {
	Params     CohortParams      `json:"params"`
	Baseline   CohortParams      `json:"baseline"`
	Snapshot   MetricSnapshot    `json:"snapshot"`
	BaseShot   MetricSnapshot    `json:"baseline_snapshot"`
	Confidence ConfidencePayload `json:"confidence"`
	Survival   []SurvivalPoint   `json:"survival"`
	Subgroups  []SubgroupMetrics `json:"subgroups"`
	SQL        map[string]string `json:"sql,omitempty"` // included by /cohort/sql
}

// SavedCohort is a named parameter set persisted through the document store.
type SavedCohort struct {
	Name      string       `json:"name"`
	Params    CohortParams `json:"params"`
	CreatedAt string       `json:"created_at"`
	Note      string       `json:"note,omitempty"`
}

// CohortSimulateRequest is the body of POST /cohort/simulate. A nil
// baseline compares against the defaults.
type CohortSimulateRequest struct {
	Baseline *CohortParams `json:"baseline,omitempty"`
	Params   CohortParams  `json:"params"`
}

// CohortSQLRequest is the body of POST /cohort/sql.
type CohortSQLRequest struct {
	Params CohortParams `json:"params"`
}
