package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/karte/internal/model"
)

// Risk levels. Boundaries are score < 30 low, < 60 medium, else high.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// riskSignal is one scored heuristic: any matching term adds weight once.
type riskSignal struct {
	reason string
	weight int
	terms  []string
}

// riskSignals are scanned against the lowercased question. Weights are
// additive and the total is capped at 100. Write intent scores but never
// authorizes anything; the policy gate blocks writes regardless.
var riskSignals = []riskSignal{
	{"join_phrases", 15, []string{
		" join", "together with", "combined with", "along with", "matched to",
		"per diagnosis", "by diagnosis", "per drug", "by department",
		"연결", "조인", "결합", "별로", "와 함께", "과 함께",
	}},
	{"aggregate_hints", 10, []string{
		"count", "how many", "average", "mean", "median", "total", "rate",
		"ratio", "distribution", "percentage", "top ",
		"몇", "건수", "평균", "비율", "분포", "총", "가장",
	}},
	{"temporal_window", 10, []string{
		"last year", "past year", "per month", "monthly", "weekly", "daily",
		"between", "since", "within", "days after", "hours after", "trend",
		"최근", "월별", "주별", "일별", "이후", "이내", "동안", "추이",
	}},
	{"multi_entity", 15, []string{
		"and their", "with their", "along with their", "diagnosis and",
		"lab and", "medication and", "admissions and",
		"진단과", "처방과", "검사와", "입원과",
	}},
	{"subquery_hints", 10, []string{
		"for each", "among those", "of those", "who also", "excluding",
		"not in", "at least one", "more than once",
		"각각", "중에서", "제외", "한 번 이상",
	}},
	{"write_intent", 20, []string{
		"insert", "update", "delete", "drop", "truncate", "modify", "remove row",
		"삭제", "수정", "추가", "변경",
	}},
	{"cohort_terms", 10, []string{
		"cohort", "readmission", "readmit", "mortality", "survival",
		"length of stay", "los ", "comorbid",
		"코호트", "재입원", "사망률", "생존", "재원일수", "동반질환",
	}},
}

// questionLengthRunes adds risk on long questions, which tend to compound
// clauses the engineer has to satisfy at once.
const questionLengthRunes = 120

// AssessRisk scores a question 0..100 with the heuristic signal table.
func AssessRisk(question string) model.RiskAssessment {
	lower := strings.ToLower(question)

	var score int
	var reasons []string
	for _, sig := range riskSignals {
		for _, term := range sig.terms {
			if strings.Contains(lower, term) {
				score += sig.weight
				reasons = append(reasons, sig.reason)
				break
			}
		}
	}
	if utf8.RuneCountInString(question) > questionLengthRunes {
		score += 10
		reasons = append(reasons, "long_question")
	}
	if score > 100 {
		score = 100
	}

	level := RiskLow
	switch {
	case score >= 60:
		level = RiskHigh
	case score >= 30:
		level = RiskMedium
	}
	return model.RiskAssessment{Score: score, Level: level, Reasons: reasons}
}
