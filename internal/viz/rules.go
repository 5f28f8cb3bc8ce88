package viz

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// groupWhitelist lists the demographic and administrative columns allowed
// to stratify a chart. Everything else is an identifier or an open-ended
// clinical string and gets cleared with a recorded reason.
var groupWhitelist = map[string]struct{}{
	"GENDER": {}, "SEX": {},
	"ADMISSION_TYPE": {}, "ADMISSION_LOCATION": {}, "DISCHARGE_LOCATION": {},
	"INSURANCE": {}, "LANGUAGE": {}, "MARITAL_STATUS": {}, "RACE": {}, "ETHNICITY": {},
	"CAREUNIT": {}, "FIRST_CAREUNIT": {}, "LAST_CAREUNIT": {}, "CURR_SERVICE": {},
	"AGE_GROUP": {}, "AGE_BAND": {}, "AGE_DECADE": {}, "ICD_CHAPTER": {}, "DRG_TYPE": {},
}

// maxGroupCardinality caps how many distinct values a stratifier may have.
const maxGroupCardinality = 30

// maxPlans bounds how many ranked plans one pass returns.
const maxPlans = 3

// questionContext captures the clinical framing probes the fatal rules
// key on.
type questionContext struct {
	icu       bool
	admission bool
	daysAfter bool
}

func probeQuestion(q string) questionContext {
	l := strings.ToLower(q)
	return questionContext{
		icu:       containsAny(l, []string{"icu", "intensive care", "중환자실", "입실"}),
		admission: containsAny(l, []string{"admission", "admitted", "hospitalization", "입원"}),
		daysAfter: containsAny(l, []string{"days after", "hours after", "day after", "일 후", "일째", "시간 후"}),
	}
}

// axes is the resolved axis assignment one planning pass works with.
type axes struct {
	time     string
	timeExpr string
	outcome  string
	group    string
}

type candidate struct {
	spec   model.ChartSpec
	reason string
}

// BuildPlans resolves axes for the intent, assembles ranked chart
// candidates and filters them through the fatal clinical validations.
// Dropped candidates and rejected stratifiers come back as reasons. The
// relaxed pass re-plans without any grouping.
func BuildPlans(question string, intent model.Intent, f Frame, relaxed bool) ([]model.ChartPlan, []string) {
	qc := probeQuestion(question)
	ax, notes := resolveAxes(qc, intent, f, relaxed)

	cands, candNotes := candidatesFor(intent, ax, f)
	notes = append(notes, candNotes...)

	// The model's own chart suggestion is honored when it survived
	// candidate assembly.
	if intent.RecommendedChart != "" {
		for i, c := range cands {
			if c.spec.ChartType == intent.RecommendedChart && i > 0 {
				cands = append([]candidate{c}, append(cands[:i:i], cands[i+1:]...)...)
				break
			}
		}
	}

	var plans []model.ChartPlan
	for _, c := range cands {
		if ok, reason := fatalCheck(qc, c.spec, intent, f); !ok {
			notes = append(notes, reason)
			continue
		}
		plans = append(plans, model.ChartPlan{Spec: c.spec, Reason: c.reason})
		if len(plans) == maxPlans {
			break
		}
	}
	return plans, notes
}

// resolveAxes derives time, outcome and group columns per the clinical
// derivation order: elapsed columns beat calendar ones in ICU/admission
// context, and stratifiers must clear the whitelist and cardinality cap.
func resolveAxes(qc questionContext, intent model.Intent, f Frame, relaxed bool) (axes, []string) {
	var ax axes
	var notes []string

	ax.outcome = f.Resolve(intent.PrimaryOutcome)
	if cs, ok := f.Column(ax.outcome); ok && cs.Role == RoleIdentifier {
		notes = append(notes, fmt.Sprintf("outcome %s rejected: identifier column", ax.outcome))
		ax.outcome = ""
	}
	if ax.outcome == "" {
		if nums := f.Numerics(); len(nums) > 0 {
			ax.outcome = nums[0]
		}
	}

	ax.time, ax.timeExpr = resolveTime(qc, intent, f)
	if ax.timeExpr != "" {
		notes = append(notes, "icu trend axis requires derived column: charttime - intime")
	}

	if relaxed {
		return ax, notes
	}

	switch {
	case qc.icu && f.HasIdentifiers():
		if g := f.Resolve("STAY_ID"); g != "" {
			ax.group = g
		} else if g := f.Resolve("HADM_ID"); g != "" {
			ax.group = g
		}
		if up := strings.ToUpper(intent.GroupVar); up == "SUBJECT_ID" || up == "PATIENT_ID" {
			notes = append(notes, fmt.Sprintf("group_var %s rejected: patient-level key in icu context", intent.GroupVar))
		}
	case intent.GroupVar != "":
		g := f.Resolve(intent.GroupVar)
		cs, _ := f.Column(g)
		switch {
		case g == "":
			notes = append(notes, fmt.Sprintf("group_var %s rejected: not in result", intent.GroupVar))
		case cs.Role == RoleIdentifier:
			notes = append(notes, fmt.Sprintf("group_var %s rejected: identifier column", g))
		case !whitelistedGroup(g):
			notes = append(notes, fmt.Sprintf("group_var %s rejected: not an allowed stratifier", g))
		case cs.Distinct > maxGroupCardinality:
			notes = append(notes, fmt.Sprintf("group_var %s rejected: %d distinct values (max %d)", g, cs.Distinct, maxGroupCardinality))
		default:
			ax.group = g
		}
	}
	return ax, notes
}

// resolveTime picks the x axis. ICU context insists on elapsed time: a
// present elapsed column wins, else raw CHARTTIME+INTIME yield a
// needs-expression tag instead of a calendar axis.
func resolveTime(qc questionContext, intent model.Intent, f Frame) (string, string) {
	if qc.icu {
		for _, name := range []string{"ELAPSED_ICU_DAYS", "ELAPSED_ICU_HOURS", "ICU_DAY"} {
			if c := f.Resolve(name); c != "" {
				return c, ""
			}
		}
		if f.Resolve("CHARTTIME") != "" && f.Resolve("INTIME") != "" {
			return "ELAPSED_ICU_DAYS", "needs expression charttime - intime"
		}
	}
	if qc.admission {
		for _, name := range []string{"ELAPSED_ADMIT_DAYS", "HOSP_DAY"} {
			if c := f.Resolve(name); c != "" {
				return c, ""
			}
		}
	}
	if t := f.Resolve(intent.TimeVar); t != "" {
		return t, ""
	}
	if ts := f.TimeColumns(); len(ts) > 0 {
		return ts[0], ""
	}
	return "", ""
}

func whitelistedGroup(name string) bool {
	_, ok := groupWhitelist[strings.ToUpper(name)]
	return ok
}

// candidatesFor assembles the ranked chart candidates for one intent.
func candidatesFor(intent model.Intent, ax axes, f Frame) ([]candidate, []string) {
	var cands []candidate
	var notes []string

	add := func(ct model.ChartType, x, y, group, agg, reason string) {
		spec := model.ChartSpec{ChartType: ct, X: x, Y: y, Group: group, Agg: agg}
		if ax.timeExpr != "" && x == ax.time {
			spec.Extras = map[string]any{"needs_expression": ax.timeExpr}
		}
		cands = append(cands, candidate{spec: spec, reason: reason})
	}

	agg := intent.Agg
	if agg == "" {
		agg = "mean"
	}

	switch intent.AnalysisIntent {
	case model.IntentTrend:
		if ax.time == "" {
			return nil, append(notes, "trend: no usable time column")
		}
		if ax.outcome != "" {
			add(model.ChartLine, ax.time, ax.outcome, ax.group, "", fmt.Sprintf("trend of %s over %s", ax.outcome, ax.time))
			add(model.ChartBar, ax.time, ax.outcome, "", agg, fmt.Sprintf("binned %s of %s per %s", agg, ax.outcome, ax.time))
			add(model.ChartBox, ax.time, ax.outcome, "", "", fmt.Sprintf("spread of %s per %s", ax.outcome, ax.time))
		} else {
			add(model.ChartBar, ax.time, "", "", "count", fmt.Sprintf("row counts per %s", ax.time))
		}

	case model.IntentDistribution:
		if ax.outcome != "" {
			add(model.ChartHist, ax.outcome, "", "", "", fmt.Sprintf("distribution of %s", ax.outcome))
			if ax.group != "" {
				add(model.ChartBox, ax.group, ax.outcome, "", "", fmt.Sprintf("distribution of %s by %s", ax.outcome, ax.group))
			}
		}
		if cats := f.Categories(); len(cats) > 0 {
			add(model.ChartBar, cats[0], "", "", "count", fmt.Sprintf("frequency of %s", cats[0]))
		}
		if len(cands) == 0 {
			notes = append(notes, "distribution: no numeric or category column")
		}

	case model.IntentComparison:
		switch {
		case ax.group != "" && ax.outcome != "":
			if ax.time != "" {
				add(model.ChartGroupedBar, ax.time, ax.outcome, ax.group, agg, fmt.Sprintf("%s of %s per %s by %s", agg, ax.outcome, ax.time, ax.group))
			}
			add(model.ChartBar, ax.group, ax.outcome, "", agg, fmt.Sprintf("%s of %s by %s", agg, ax.outcome, ax.group))
			add(model.ChartBox, ax.group, ax.outcome, "", "", fmt.Sprintf("spread of %s by %s", ax.outcome, ax.group))
		case ax.outcome != "":
			if cats := f.Categories(); len(cats) > 0 {
				add(model.ChartBar, cats[0], ax.outcome, "", agg, fmt.Sprintf("%s of %s by %s", agg, ax.outcome, cats[0]))
			} else {
				notes = append(notes, "comparison: no category to compare across")
			}
		default:
			notes = append(notes, "comparison: no numeric outcome")
		}

	case model.IntentProportion:
		x := ax.group
		if x == "" {
			if cats := f.Categories(); len(cats) > 0 {
				x = cats[0]
			}
		}
		if x == "" {
			notes = append(notes, "proportion: no category column")
			break
		}
		// Composition charts sum their slices; mean would misstate shares.
		pagg := intent.Agg
		if pagg == "" {
			pagg = "sum"
		}
		if ax.outcome == "" {
			pagg = "count"
		}
		add(model.ChartPie, x, ax.outcome, "", pagg, fmt.Sprintf("share of %s", x))
		if ax.group != "" && ax.time != "" && ax.outcome != "" {
			add(model.ChartStackedBar, ax.time, ax.outcome, ax.group, pagg, fmt.Sprintf("composition of %s per %s", ax.group, ax.time))
		}

	case model.IntentCorrelation:
		nums := f.Numerics()
		if len(nums) < 2 {
			notes = append(notes, "correlation: fewer than two numeric columns")
			break
		}
		x, y := nums[0], nums[1]
		if ax.outcome != "" && ax.outcome != nums[0] {
			x, y = nums[0], ax.outcome
		}
		add(model.ChartScatter, x, y, ax.group, "", fmt.Sprintf("correlation of %s and %s", x, y))
		if ax.time != "" {
			spec := model.ChartSpec{ChartType: model.ChartDynamicScatter, X: x, Y: y, Group: ax.group,
				Extras: map[string]any{"time": ax.time}}
			cands = append(cands, candidate{spec: spec, reason: fmt.Sprintf("correlation of %s and %s over %s", x, y, ax.time)})
		}

	default: // overview
		cats := f.Categories()
		switch {
		case len(cats) > 0 && ax.outcome != "":
			add(model.ChartBar, cats[0], ax.outcome, "", agg, fmt.Sprintf("%s of %s by %s", agg, ax.outcome, cats[0]))
		case len(cats) > 0:
			add(model.ChartBar, cats[0], "", "", "count", fmt.Sprintf("row counts by %s", cats[0]))
		}
		if len(cats) > 0 {
			if cs, ok := f.Column(cats[0]); ok && cs.Distinct > 0 && cs.Distinct <= 8 {
				add(model.ChartPie, cats[0], ax.outcome, "", "count", fmt.Sprintf("share of %s", cats[0]))
			}
		}
		if ax.time != "" && ax.outcome != "" {
			add(model.ChartLine, ax.time, ax.outcome, "", "", fmt.Sprintf("trend of %s over %s", ax.outcome, ax.time))
		}
		if len(cands) == 0 {
			notes = append(notes, "overview: nothing to chart")
		}
	}
	return cands, notes
}

// fatalCheck applies the seven clinical validations. A false return
// carries the reason the plan was dropped.
func fatalCheck(qc questionContext, spec model.ChartSpec, intent model.Intent, f Frame) (bool, string) {
	rowLevel := f.HasIdentifiers()
	trend := intent.AnalysisIntent == model.IntentTrend

	// 1. ICU-scoped trends over row-level data must plot elapsed time
	// per stay. Aggregated frames fixed their unit of analysis in SQL.
	if qc.icu && trend && rowLevel {
		if f.Resolve("STAY_ID") == "" || f.Resolve("INTIME") == "" || len(f.TimeColumns()) == 0 {
			return false, fmt.Sprintf("%s dropped: icu trend needs STAY_ID, INTIME and a time column", spec.ChartType)
		}
		switch strings.ToUpper(spec.Group) {
		case "STAY_ID", "HADM_ID":
		default:
			return false, fmt.Sprintf("%s dropped: icu trend must group by STAY_ID or HADM_ID", spec.ChartType)
		}
		if !IsElapsedName(spec.X) {
			return false, fmt.Sprintf("%s dropped: calendar time forbidden in icu context", spec.ChartType)
		}
	}

	// 2. Row-level line charts are trajectories and need a per-stay
	// group column.
	if spec.ChartType == model.ChartLine && rowLevel {
		switch strings.ToUpper(spec.Group) {
		case "STAY_ID", "HADM_ID":
		default:
			return false, "line dropped: trajectory needs STAY_ID or HADM_ID grouping"
		}
	}

	// 3. Distribution/comparison never stratify by identifiers.
	if intent.AnalysisIntent == model.IntentDistribution || intent.AnalysisIntent == model.IntentComparison {
		if spec.Group != "" && IsIdentifierName(spec.Group) {
			return false, fmt.Sprintf("%s dropped: identifier group %s", spec.ChartType, spec.Group)
		}
	}

	// 4. Correlation axes exclude identifiers.
	if intent.AnalysisIntent == model.IntentCorrelation ||
		spec.ChartType == model.ChartScatter || spec.ChartType == model.ChartDynamicScatter {
		if IsIdentifierName(spec.X) || IsIdentifierName(spec.Y) {
			return false, fmt.Sprintf("%s dropped: identifier on correlation axis", spec.ChartType)
		}
	}

	// 5. "N days after" needs an elapsed axis.
	if qc.daysAfter && trend && !IsElapsedName(spec.X) {
		return false, fmt.Sprintf("%s dropped: days-after context without elapsed axis", spec.ChartType)
	}

	// 6. Admission-anchored trends over row-level data need ADMITTIME.
	if qc.admission && !qc.icu && trend && rowLevel && f.Resolve("ADMITTIME") == "" {
		return false, fmt.Sprintf("%s dropped: admission trend needs ADMITTIME", spec.ChartType)
	}

	// 7. Rates and amounts only trend over a binned or elapsed axis.
	if trend && rateAmountName(spec.Y) && !IsElapsedName(spec.X) && !timeBinnedName(spec.X) {
		return false, fmt.Sprintf("%s dropped: rate trend without time binning", spec.ChartType)
	}

	return true, ""
}

func rateAmountName(name string) bool {
	u := strings.ToUpper(name)
	for _, hint := range []string{"RATE", "RATIO", "PCT", "PERCENT", "AMOUNT", "TOTAL", "COUNT", "CNT", "율", "률", "비율", "건수", "금액"} {
		if strings.Contains(u, hint) {
			return true
		}
	}
	return false
}

// timeBinnedName reports whether a column name looks like calendar
// binning rather than a raw timestamp.
func timeBinnedName(name string) bool {
	u := strings.ToUpper(name)
	for _, hint := range []string{"MONTH", "YEAR", "WEEK", "QUARTER", "DATE", "DECADE", "월", "연도", "년도", "주차", "분기", "일자"} {
		if strings.Contains(u, hint) {
			return true
		}
	}
	return false
}
