package viz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/model"
)

const previewRows = 20

// Planner is the chart recommendation engine behind POST /visualize.
type Planner struct {
	client llm.Client
	costs  *audit.CostTracker
	logger *slog.Logger
}

// NewPlanner wires the planner. client may be nil, in which case intent
// extraction runs on the keyword heuristic alone; costs may be nil to
// disable budget gating.
func NewPlanner(client llm.Client, costs *audit.CostTracker, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, costs: costs, logger: logger}
}

// Plan profiles the rows, extracts the analysis intent, builds and
// renders ranked chart plans. When the first pass yields nothing it
// retries once without grouping, then degrades to the numeric fallback
// insight.
func (p *Planner) Plan(ctx context.Context, req model.VisualizeRequest) model.VisualizationResponse {
	table := requestTable(req)
	frame := Summarize(table)

	resp := model.VisualizationResponse{
		SQL:          req.SQL,
		TablePreview: table.Preview(previewRows),
	}

	intent, fromLLM := p.extractIntent(ctx, req.UserQuery, frame)
	if !fromLLM {
		resp.FallbackStage = "intent"
	}
	p.logger.Info("viz: intent extracted",
		"intent", intent.AnalysisIntent, "outcome", intent.PrimaryOutcome,
		"time", intent.TimeVar, "group", intent.GroupVar, "llm", fromLLM)

	for attempt := 1; attempt <= 2; attempt++ {
		resp.AttemptCount = attempt
		relaxed := attempt > 1
		plans, notes := BuildPlans(req.UserQuery, intent, frame, relaxed)
		resp.FailureReasons = append(resp.FailureReasons, notes...)

		if analyses := p.renderPlans(plans, table, &resp); len(analyses) > 0 {
			resp.Analyses = analyses
			return resp
		}
		if relaxed {
			break
		}
		if !retryWorth(intent, plans) {
			break
		}
		resp.FailureReasons = append(resp.FailureReasons, "retry: group cleared")
		intent.GroupVar = ""
	}

	resp.FallbackUsed = true
	if resp.FallbackStage == "" {
		resp.FallbackStage = "plan"
	}
	resp.FailureReasons = append(resp.FailureReasons, "normal: no_renderable_chart")
	resp.Insight = numericInsight(frame)
	p.logger.Info("viz: no renderable chart, serving insight",
		"attempts", resp.AttemptCount, "reasons", len(resp.FailureReasons))
	return resp
}

// retryWorth reports whether a relaxed pass could change the outcome,
// i.e. the failed pass actually used a group somewhere.
func retryWorth(intent model.Intent, plans []model.ChartPlan) bool {
	if intent.GroupVar != "" {
		return true
	}
	for _, pl := range plans {
		if pl.Spec.Group != "" {
			return true
		}
	}
	return false
}

func (p *Planner) renderPlans(plans []model.ChartPlan, t model.Table, resp *model.VisualizationResponse) []model.Analysis {
	var out []model.Analysis
	for _, pl := range plans {
		html, err := Render(pl.Spec, t)
		if err != nil {
			p.logger.Warn("viz: render failed", "chart", pl.Spec.ChartType, "error", err)
			resp.FailureReasons = append(resp.FailureReasons, fmt.Sprintf("%s render failed: %v", pl.Spec.ChartType, err))
			continue
		}
		out = append(out, model.Analysis{Spec: pl.Spec, Reason: pl.Reason, HTML: html})
	}
	return out
}

// requestTable rebuilds a Table from the request rows. Column order
// follows the request when given, else the sorted keys of the first row.
func requestTable(req model.VisualizeRequest) model.Table {
	cols := req.Columns
	if len(cols) == 0 && len(req.Rows) > 0 {
		for k := range req.Rows[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}
	return model.Table{Columns: cols, Rows: req.Rows}
}
