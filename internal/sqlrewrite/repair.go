package sqlrewrite

import (
	"regexp"
	"strconv"
	"strings"
)

// Error-template repair. After an execution failure the orchestrator hands
// the failing SQL and the driver error text here; a template keyed on the
// error code applies a targeted fix. When no template changes the SQL the
// orchestrator escalates to the repair agent.

var (
	errCodeRe     = regexp.MustCompile(`(ORA|DPY)-\d{4,5}`)
	dateCompareRe = regexp.MustCompile(`([=<>]=?\s*)'(\d{4}-\d{2}-\d{2})'`)
	dateBetweenRe = regexp.MustCompile(`(?i)\b(BETWEEN\s+)'(\d{4}-\d{2}-\d{2})'(\s+AND\s+)'(\d{4}-\d{2}-\d{2})'`)
	icdVersionRe  = regexp.MustCompile(`(?i)\s+AND\s+(?:\w+\.)?ICD_VERSION\s*=\s*(?:\w+\.)?ICD_VERSION\b`)
)

// RepairByError applies the error-template fix for the given driver error.
// Returns the repaired SQL, the template tag, and whether anything changed.
func RepairByError(sql, dbError, questionText string) (string, string, bool) {
	code := errCodeRe.FindString(dbError)
	q := newQuestion(questionText)

	switch code {
	case "ORA-00904": // invalid identifier
		if hasWord(sql, "PRESCRIPTIONS") && hasWord(sql, "MEDICATION") {
			out := replaceOutside(sql, wordRe("MEDICATION"), "DRUG")
			return out, "repair_medication_drug", out != sql
		}
		if hasWord(sql, "TRANSFERS") && !hasWord(sql, "ICUSTAYS") &&
			(hasWord(sql, "FIRST_CAREUNIT") || hasWord(sql, "LAST_CAREUNIT")) {
			out := replaceOutside(sql, wordRe("FIRST_CAREUNIT"), "CAREUNIT")
			out = replaceOutside(out, wordRe("LAST_CAREUNIT"), "CAREUNIT")
			return out, "repair_careunit", out != sql
		}

	case "ORA-00942": // table or view does not exist
		out := sql
		for from, to := range tableAliases {
			if hasWord(out, from) {
				out = replaceOutside(out, wordRe(from), to)
			}
		}
		return out, "repair_table_alias", out != sql

	case "ORA-01722": // invalid number: ICD dictionary joined on itemid data
		if hasWord(sql, "PROCEDUREEVENTS") && hasWord(sql, "D_ICD_DIAGNOSES") {
			out := replaceOutside(sql, wordRe("D_ICD_DIAGNOSES"), "D_ITEMS")
			out = replaceOutside(out, icdVersionRe, "")
			out = replaceOutside(out, wordRe("ICD_CODE"), "ITEMID")
			return out, "repair_d_items", out != sql
		}

	case "ORA-01843": // not a valid month: bare date literals
		out := mapLiteralDates(sql)
		return out, "repair_to_date", out != sql

	case "DPY-4024", "ORA-03156": // statement timeout
		return repairTimeout(sql, q)
	}
	return sql, "", false
}

// mapLiteralDates wraps bare ISO date literals in TO_DATE. These patterns
// intentionally cross literal boundaries, so they run on the raw SQL.
func mapLiteralDates(sql string) string {
	sql = dateBetweenRe.ReplaceAllString(sql,
		"${1}TO_DATE('${2}', 'YYYY-MM-DD')${3}TO_DATE('${4}', 'YYYY-MM-DD')")
	return dateCompareRe.ReplaceAllString(sql, "${1}TO_DATE('${2}', 'YYYY-MM-DD')")
}

// repairTimeout strips a top-level ORDER BY that forces a full sort, unless
// the question is a top-N ranking or the SQL already carries a row cap; in
// those cases the cap is tightened to 5000 instead.
func repairTimeout(sql string, q question) (string, string, bool) {
	hasCap := matchOutside(sql, rownumPredRe)
	if pos := topLevelOrderBy(sql); pos >= 0 && !hasCap && !q.wantsRanking() {
		out := strings.TrimSpace(sql[:pos])
		return out, "repair_strip_orderby", out != sql
	}
	if !hasCap {
		return wrapRowCap(sql, "5000"), "repair_cap_5000", true
	}
	out := replaceOutsideFunc(sql, rownumPredRe, func(m string) string {
		g := rownumPredRe.FindStringSubmatch(m)
		if n, err := strconv.Atoi(g[1]); err == nil && n > 5000 {
			return "ROWNUM <= 5000"
		}
		return m
	})
	return out, "repair_cap_5000", out != sql
}

// topLevelOrderBy returns the index of the ORDER BY outside any
// parentheses, or -1.
func topLevelOrderBy(sql string) int {
	blank := blankLiterals(sql)
	depth := 0
	last := 0
	for _, loc := range orderByWordRe.FindAllStringIndex(blank, -1) {
		for i := last; i < loc[0]; i++ {
			switch blank[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
		}
		last = loc[0]
		if depth == 0 {
			return loc[0]
		}
	}
	return -1
}
