package viz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

func chartKinds(plans []model.ChartPlan) []model.ChartType {
	out := make([]model.ChartType, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Spec.ChartType)
	}
	return out
}

func containsNote(notes []string, substr string) bool {
	for _, n := range notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func TestProbeQuestion(t *testing.T) {
	qc := probeQuestion("heart rate 3 days after ICU admission")
	assert.True(t, qc.icu)
	assert.True(t, qc.admission)
	assert.True(t, qc.daysAfter)

	qc = probeQuestion("중환자실 입원 환자의 사망률")
	assert.True(t, qc.icu)
	assert.True(t, qc.admission)
	assert.False(t, qc.daysAfter)

	qc = probeQuestion("average age by gender")
	assert.False(t, qc.icu)
	assert.False(t, qc.admission)
}

// The canonical planning scenario: an aggregated monthly mortality frame
// must produce at least one of line, bar or box.
func TestBuildPlansTrendOverMonthlyRate(t *testing.T) {
	f := Summarize(monthlyRateTable())
	intent := model.Intent{
		AnalysisIntent: model.IntentTrend,
		PrimaryOutcome: "MORTALITY_RATE",
		TimeVar:        "ICU_ADMIT_MONTH",
	}

	plans, notes := BuildPlans("월별 ICU 사망률 추이를 보여줘", intent, f, false)
	require.NotEmpty(t, plans)
	assert.Empty(t, notes)

	kinds := chartKinds(plans)
	assert.Contains(t, kinds, model.ChartLine)
	for _, k := range kinds {
		assert.Contains(t, []model.ChartType{model.ChartLine, model.ChartBar, model.ChartBox}, k)
	}
	assert.Equal(t, "ICU_ADMIT_MONTH", plans[0].Spec.X)
	assert.Equal(t, "MORTALITY_RATE", plans[0].Spec.Y)
	assert.NotEmpty(t, plans[0].Reason)
}

func TestBuildPlansIdentifierGroupRejected(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"SUBJECT_ID", "GENDER", "AGE"},
		Rows: []map[string]any{
			{"SUBJECT_ID": 1, "GENDER": "F", "AGE": 70},
			{"SUBJECT_ID": 2, "GENDER": "M", "AGE": 64},
		},
	})
	intent := model.Intent{
		AnalysisIntent: model.IntentComparison,
		PrimaryOutcome: "AGE",
		GroupVar:       "SUBJECT_ID",
	}

	plans, notes := BuildPlans("compare patient ages", intent, f, false)
	require.True(t, containsNote(notes, "group_var SUBJECT_ID rejected: identifier column"))
	require.NotEmpty(t, plans)
	for _, p := range plans {
		assert.NotEqual(t, "SUBJECT_ID", p.Spec.Group)
	}
	assert.Equal(t, "GENDER", plans[0].Spec.X)
}

func TestBuildPlansGroupNotWhitelisted(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"DRUG", "DOSE"},
		Rows: []map[string]any{
			{"DRUG": "heparin", "DOSE": 5000.0},
			{"DRUG": "insulin", "DOSE": 10.0},
		},
	})
	intent := model.Intent{
		AnalysisIntent: model.IntentDistribution,
		PrimaryOutcome: "DOSE",
		GroupVar:       "DRUG",
	}

	plans, notes := BuildPlans("distribution of doses", intent, f, false)
	assert.True(t, containsNote(notes, "not an allowed stratifier"))
	require.NotEmpty(t, plans)
	assert.Equal(t, model.ChartHist, plans[0].Spec.ChartType)
	for _, p := range plans {
		assert.Empty(t, p.Spec.Group)
	}
}

func TestBuildPlansGroupCardinalityCap(t *testing.T) {
	rows := make([]map[string]any, 0, 31)
	for i := 0; i < 31; i++ {
		rows = append(rows, map[string]any{"CAREUNIT": strings.Repeat("u", i%5+1) + string(rune('A'+i%26)), "AGE": 60 + i})
	}
	f := Summarize(model.Table{Columns: []string{"CAREUNIT", "AGE"}, Rows: rows})
	cs, ok := f.Column("CAREUNIT")
	require.True(t, ok)
	require.Greater(t, cs.Distinct, maxGroupCardinality)

	intent := model.Intent{
		AnalysisIntent: model.IntentComparison,
		PrimaryOutcome: "AGE",
		GroupVar:       "CAREUNIT",
	}
	_, notes := BuildPlans("compare age across units", intent, f, false)
	assert.True(t, containsNote(notes, "distinct values (max 30)"))
}

// Row-level ICU frames must plot elapsed time per stay; without an
// elapsed column the surviving plan carries the needs-expression tag.
func TestBuildPlansICUTrajectory(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"STAY_ID", "INTIME", "CHARTTIME", "HEART_RATE"},
		Rows: []map[string]any{
			{"STAY_ID": 31, "INTIME": "2150-01-01 08:00:00", "CHARTTIME": "2150-01-01 09:00:00", "HEART_RATE": 92.0},
			{"STAY_ID": 31, "INTIME": "2150-01-01 08:00:00", "CHARTTIME": "2150-01-01 10:00:00", "HEART_RATE": 98.0},
		},
	})
	intent := model.Intent{
		AnalysisIntent: model.IntentTrend,
		PrimaryOutcome: "HEART_RATE",
		TimeVar:        "CHARTTIME",
	}

	plans, notes := BuildPlans("heart rate trend during the icu stay", intent, f, false)
	require.Len(t, plans, 1)
	assert.Equal(t, model.ChartLine, plans[0].Spec.ChartType)
	assert.Equal(t, "STAY_ID", plans[0].Spec.Group)
	assert.Equal(t, "ELAPSED_ICU_DAYS", plans[0].Spec.X)
	require.NotNil(t, plans[0].Spec.Extras)
	assert.Equal(t, "needs expression charttime - intime", plans[0].Spec.Extras["needs_expression"])
	assert.True(t, containsNote(notes, "charttime - intime"))
	assert.True(t, containsNote(notes, "must group by STAY_ID or HADM_ID"))
}

func TestBuildPlansICUElapsedColumnPreferred(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"STAY_ID", "INTIME", "ELAPSED_ICU_DAYS", "HEART_RATE"},
		Rows: []map[string]any{
			{"STAY_ID": 31, "INTIME": "2150-01-01 08:00:00", "ELAPSED_ICU_DAYS": 0.04, "HEART_RATE": 92.0},
			{"STAY_ID": 31, "INTIME": "2150-01-01 08:00:00", "ELAPSED_ICU_DAYS": 0.08, "HEART_RATE": 98.0},
		},
	})
	intent := model.Intent{AnalysisIntent: model.IntentTrend, PrimaryOutcome: "HEART_RATE"}

	plans, _ := BuildPlans("icu heart rate trend", intent, f, false)
	require.NotEmpty(t, plans)
	assert.Equal(t, "ELAPSED_ICU_DAYS", plans[0].Spec.X)
	assert.Nil(t, plans[0].Spec.Extras)
}

func TestBuildPlansRateTrendNeedsBinning(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"CHARTTIME", "INFUSION_RATE"},
		Rows: []map[string]any{
			{"CHARTTIME": "2150-01-01 09:00:00", "INFUSION_RATE": 12.5},
			{"CHARTTIME": "2150-01-01 10:00:00", "INFUSION_RATE": 11.0},
		},
	})
	intent := model.Intent{
		AnalysisIntent: model.IntentTrend,
		PrimaryOutcome: "INFUSION_RATE",
		TimeVar:        "CHARTTIME",
	}

	plans, notes := BuildPlans("infusion rate trend", intent, f, false)
	assert.Empty(t, plans)
	assert.True(t, containsNote(notes, "rate trend without time binning"))
}

func TestBuildPlansDaysAfterNeedsElapsed(t *testing.T) {
	intent := model.Intent{
		AnalysisIntent: model.IntentTrend,
		PrimaryOutcome: "CREATININE",
		TimeVar:        "OBS_MONTH",
	}

	binned := Summarize(model.Table{
		Columns: []string{"OBS_MONTH", "CREATININE"},
		Rows: []map[string]any{
			{"OBS_MONTH": "2150-01", "CREATININE": 1.1},
			{"OBS_MONTH": "2150-02", "CREATININE": 1.4},
		},
	})
	plans, notes := BuildPlans("creatinine 3 days after admission", intent, binned, false)
	assert.Empty(t, plans)
	assert.True(t, containsNote(notes, "days-after context without elapsed axis"))

	elapsed := Summarize(model.Table{
		Columns: []string{"ELAPSED_ADMIT_DAYS", "CREATININE"},
		Rows: []map[string]any{
			{"ELAPSED_ADMIT_DAYS": 1.0, "CREATININE": 1.1},
			{"ELAPSED_ADMIT_DAYS": 3.0, "CREATININE": 1.4},
		},
	})
	plans, _ = BuildPlans("creatinine 3 days after admission", intent, elapsed, false)
	require.NotEmpty(t, plans)
	assert.Equal(t, "ELAPSED_ADMIT_DAYS", plans[0].Spec.X)
}

func TestBuildPlansRelaxedDropsGroups(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"GENDER", "AVG_LOS"},
		Rows: []map[string]any{
			{"GENDER": "F", "AVG_LOS": 5.4},
			{"GENDER": "M", "AVG_LOS": 4.9},
		},
	})
	intent := model.Intent{
		AnalysisIntent: model.IntentComparison,
		PrimaryOutcome: "AVG_LOS",
		GroupVar:       "GENDER",
	}

	strict, _ := BuildPlans("compare los by gender", intent, f, false)
	require.NotEmpty(t, strict)
	assert.Contains(t, chartKinds(strict), model.ChartBox)

	relaxed, _ := BuildPlans("compare los by gender", intent, f, true)
	require.NotEmpty(t, relaxed)
	for _, p := range relaxed {
		assert.Empty(t, p.Spec.Group)
	}
}

func TestBuildPlansHonorsRecommendedChart(t *testing.T) {
	f := Summarize(monthlyRateTable())
	intent := model.Intent{
		AnalysisIntent:   model.IntentTrend,
		PrimaryOutcome:   "MORTALITY_RATE",
		TimeVar:          "ICU_ADMIT_MONTH",
		RecommendedChart: model.ChartBox,
	}

	plans, _ := BuildPlans("사망률 추이", intent, f, false)
	require.NotEmpty(t, plans)
	assert.Equal(t, model.ChartBox, plans[0].Spec.ChartType)
}

func TestFatalCheckCorrelationIdentifiers(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"SUBJECT_ID", "AGE"},
		Rows:    []map[string]any{{"SUBJECT_ID": 1, "AGE": 70}},
	})
	spec := model.ChartSpec{ChartType: model.ChartScatter, X: "SUBJECT_ID", Y: "AGE"}
	ok, reason := fatalCheck(questionContext{}, spec, model.Intent{AnalysisIntent: model.IntentCorrelation}, f)
	assert.False(t, ok)
	assert.Contains(t, reason, "identifier on correlation axis")
}

func TestFatalCheckAdmissionTrendNeedsAdmittime(t *testing.T) {
	f := Summarize(model.Table{
		Columns: []string{"HADM_ID", "DISCHTIME", "LOS_DAYS"},
		Rows:    []map[string]any{{"HADM_ID": 5, "DISCHTIME": "2150-02-01 10:00:00", "LOS_DAYS": 4.2}},
	})
	spec := model.ChartSpec{ChartType: model.ChartBar, X: "DISCHTIME", Y: "LOS_DAYS"}
	qc := questionContext{admission: true}
	ok, reason := fatalCheck(qc, spec, model.Intent{AnalysisIntent: model.IntentTrend}, f)
	assert.False(t, ok)
	assert.Contains(t, reason, "admission trend needs ADMITTIME")
}
