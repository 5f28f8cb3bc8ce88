package viz

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/model"
)

const intentSystem = `You classify one clinical question and the shape of its SQL result
into a single analysis intent for chart planning.
Intents: trend, distribution, comparison, proportion, correlation, overview.
Answer with one JSON object only:
{"analysis_intent": "...", "primary_outcome": "", "time_var": "", "group_var": "", "agg": "", "recommended_chart": ""}
Use only column names from the frame summary. Leave fields you cannot
fill as empty strings.`

// extractIntent asks the model for the analysis intent. The keyword
// heuristic takes over when the provider is missing, over budget, or
// answers outside the contract; the bool reports whether the model reply
// was used.
func (p *Planner) extractIntent(ctx context.Context, question string, f Frame) (model.Intent, bool) {
	if p.client == nil {
		return HeuristicIntent(question, f), false
	}
	if p.costs != nil {
		if err := p.costs.CheckBudget(); err != nil {
			p.logger.Warn("viz: intent skipped, over budget", "error", err)
			return HeuristicIntent(question, f), false
		}
	}

	prompt := "Question: " + question + "\n\nResult frame:\n" + f.PromptSummary()
	resp, err := p.client.Complete(ctx, llm.Request{
		System:      intentSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   400,
	})
	if err != nil {
		p.logger.Warn("viz: intent extraction failed, using heuristic", "error", err)
		return HeuristicIntent(question, f), false
	}
	if p.costs != nil {
		p.costs.Charge(ctx, "viz_intent", resp.InputTokens, resp.OutputTokens)
	}

	raw, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		p.logger.Warn("viz: intent reply outside contract", "error", err)
		return HeuristicIntent(question, f), false
	}
	var got model.Intent
	if err := json.Unmarshal(raw, &got); err != nil {
		p.logger.Warn("viz: intent reply unparsable", "error", err)
		return HeuristicIntent(question, f), false
	}
	intent, ok := normalizeIntent(got, f)
	if !ok {
		p.logger.Warn("viz: intent value unknown, using heuristic", "intent", got.AnalysisIntent)
		return HeuristicIntent(question, f), false
	}
	return intent, true
}

// normalizeIntent lowercases the reply and resolves its column references
// against the frame; unknown columns are dropped rather than trusted.
func normalizeIntent(in model.Intent, f Frame) (model.Intent, bool) {
	out := model.Intent{
		AnalysisIntent:   model.AnalysisIntent(strings.ToLower(strings.TrimSpace(string(in.AnalysisIntent)))),
		PrimaryOutcome:   f.Resolve(in.PrimaryOutcome),
		TimeVar:          f.Resolve(in.TimeVar),
		GroupVar:         f.Resolve(in.GroupVar),
		Agg:              strings.ToLower(strings.TrimSpace(in.Agg)),
		RecommendedChart: model.ChartType(strings.ToLower(strings.TrimSpace(string(in.RecommendedChart)))),
	}
	if !out.AnalysisIntent.Valid() {
		return model.Intent{}, false
	}
	return out, true
}

var intentKeywords = []struct {
	intent model.AnalysisIntent
	words  []string
}{
	{model.IntentTrend, []string{
		"trend", "over time", "monthly", "yearly", "daily", "per month", "by month", "by year",
		"추이", "변화", "월별", "연도별", "일별", "시간에 따",
	}},
	{model.IntentCorrelation, []string{
		"correlation", "correlate", "relationship between", "상관", "연관",
	}},
	{model.IntentProportion, []string{
		"proportion", "percentage", "ratio of", "share of", "비율", "백분율", "구성비",
	}},
	{model.IntentDistribution, []string{
		"distribution", "histogram", "spread of", "분포", "히스토그램",
	}},
	{model.IntentComparison, []string{
		"compare", "comparison", "versus", " vs ", "difference", "비교", "차이",
	}},
}

// HeuristicIntent is the deterministic fallback extractor: keyword scan
// over the question (English and Korean), axes filled from the frame
// profile.
func HeuristicIntent(question string, f Frame) model.Intent {
	q := strings.ToLower(question)
	intent := model.Intent{AnalysisIntent: model.IntentOverview}
	for _, ik := range intentKeywords {
		if containsAny(q, ik.words) {
			intent.AnalysisIntent = ik.intent
			break
		}
	}

	times := f.TimeColumns()
	nums := f.Numerics()

	// A frame with one time axis and a measure reads as a trend even
	// when the question does not say so.
	if intent.AnalysisIntent == model.IntentOverview && len(times) > 0 && len(nums) > 0 {
		intent.AnalysisIntent = model.IntentTrend
	}
	if len(times) > 0 {
		intent.TimeVar = times[0]
	}
	if len(nums) > 0 {
		intent.PrimaryOutcome = nums[0]
	}

	switch {
	case containsAny(q, []string{"how many", "count", "number of", "몇 ", "몇명", "건수", "환자 수"}):
		intent.Agg = "count"
	case containsAny(q, []string{"average", "mean", "평균"}):
		intent.Agg = "mean"
	case containsAny(q, []string{"median", "중앙값"}):
		intent.Agg = "median"
	}
	return intent
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
