package model

// AnalysisIntent is the high-level analytic goal the visualization planner
// extracted from the question + result shape.
type AnalysisIntent string

const (
	IntentTrend        AnalysisIntent = "trend"
	IntentDistribution AnalysisIntent = "distribution"
	IntentComparison   AnalysisIntent = "comparison"
	IntentProportion   AnalysisIntent = "proportion"
	IntentCorrelation  AnalysisIntent = "correlation"
	IntentOverview     AnalysisIntent = "overview"
)

// Valid reports whether the intent is one of the known analysis intents.
func (a AnalysisIntent) Valid() bool {
	switch a {
	case IntentTrend, IntentDistribution, IntentComparison,
		IntentProportion, IntentCorrelation, IntentOverview:
		return true
	}
	return false
}

// Intent is the analysis intent the visualization planner extracts from a
// question and result frame. GroupVar must pass the clinical whitelist and
// cardinality limits before a distribution/comparison plan is accepted.
type Intent struct {
	AnalysisIntent   AnalysisIntent `json:"analysis_intent"`
	PrimaryOutcome   string         `json:"primary_outcome,omitempty"`
	TimeVar          string         `json:"time_var,omitempty"`
	GroupVar         string         `json:"group_var,omitempty"`
	Agg              string         `json:"agg,omitempty"`
	RecommendedChart ChartType      `json:"recommended_chart,omitempty"`
}

// ChartType enumerates the renderable chart kinds.
type ChartType string

const (
	ChartLine           ChartType = "line"
	ChartLineScatter    ChartType = "line_scatter"
	ChartBar            ChartType = "bar"
	ChartGroupedBar     ChartType = "grouped_bar"
	ChartStackedBar     ChartType = "stacked_bar"
	ChartHorizontalBar  ChartType = "horizontal_bar"
	ChartPie            ChartType = "pie"
	ChartHist           ChartType = "hist"
	ChartScatter        ChartType = "scatter"
	ChartDynamicScatter ChartType = "dynamic_scatter"
	ChartBox            ChartType = "box"
	ChartPyramid        ChartType = "pyramid"
	ChartSunburst       ChartType = "nested_pie"
)

// ChartSpec fully determines one rendered figure.
type ChartSpec struct {
	ChartType ChartType      `json:"chart_type"`
	X         string         `json:"x"`
	Y         string         `json:"y,omitempty"`
	Group     string         `json:"group,omitempty"`
	Agg       string         `json:"agg,omitempty"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// ChartPlan is a validated chart spec plus the rule-engine reason it was kept.
type ChartPlan struct {
	Spec   ChartSpec `json:"chart_spec"`
	Reason string    `json:"reason"`
}

// PlannerIntent is the JSON contract returned by the text-to-SQL planner
// agent; it is forwarded to the engineer as structured context.
type PlannerIntent struct {
	Cohort      string   `json:"cohort,omitempty"`
	Metric      string   `json:"metric,omitempty"`
	TimeGrain   string   `json:"time_grain,omitempty"`
	Comparison  string   `json:"comparison,omitempty"`
	Filters     []string `json:"filters,omitempty"`
	OutputShape string   `json:"output_shape,omitempty"`
}
