// Package alignment checks the final SQL against the analytic intent of
// the question. Each detector names an intent the question expresses and
// the SQL construct that must serve it; a missing construct becomes an
// Issue. Align proposes targeted rewrites for the issues that have a
// deterministic fix and accepts a rewrite only when it strictly shrinks
// the issue set without introducing a new one.
package alignment

import (
	"regexp"
	"strings"
)

// Issue is one intent/SQL mismatch.
type Issue struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type detector struct {
	code    string
	detail  string
	applies func(q probe) bool
	ok      func(q probe, sql string) bool
	rewrite func(q probe, sql string) (string, bool)
}

// probe precomputes the question forms the detectors match on.
type probe struct {
	raw   string
	lower string
}

func newProbe(question string) probe {
	return probe{raw: question, lower: strings.ToLower(question)}
}

func (q probe) has(terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(q.lower, t) {
			return true
		}
	}
	return false
}

func (q probe) match(re *regexp.Regexp) bool { return re.MatchString(q.lower) }

var (
	ratioQRe    = regexp.MustCompile(`\b(ratio|percentage|percent|proportion|rate)\b`)
	quartileQRe = regexp.MustCompile(`\bquartiles?\b`)
	strataQRe   = regexp.MustCompile(`\b(?:by|per)\s+(?:gender|sex|age|year|month|race|unit|type|group|department|admission\s+type|care\s*unit)\b`)
	yearQRe     = regexp.MustCompile(`\b(?:yearly|annual(?:ly)?|per\s+year|by\s+year|each\s+year)\b`)
	monthQRe    = regexp.MustCompile(`\b(?:monthly|per\s+month|by\s+month|each\s+month)\b`)
	windowQRe   = regexp.MustCompile(`\bwithin\s+\d+\s+(?:day|week|month|year)s?\b`)
	windowKoRe  = regexp.MustCompile(`(?:\d+\s*일\s*이내|후\s*\d+\s*일|\d+\s*개월\s*이내)`)
	ageQRe      = regexp.MustCompile(`\bages?\b`)
	rankQRe     = regexp.MustCompile(`\b(?:most|highest|largest|top)\b`)

	avgCallRe      = regexp.MustCompile(`(?i)\bAVG\s*\(`)
	rateIdentRe    = regexp.MustCompile(`(?i)\b\w*(?:RATE|RATIO)\w*\b`)
	ntile4Re       = regexp.MustCompile(`(?i)\bNTILE\s*\(\s*4\s*\)`)
	quartAliasRe   = regexp.MustCompile(`(?i)\bQ[1-4]\b`)
	strataSQLRe    = regexp.MustCompile(`(?i)\b(?:GROUP\s+BY|PARTITION\s+BY)\b`)
	extractYearRe  = regexp.MustCompile(`(?i)\bEXTRACT\s*\(\s*YEAR\s+FROM`)
	toCharYearRe   = regexp.MustCompile(`(?i)\bTO_CHAR\s*\([^()]*,\s*'YYYY'`)
	extractMonthRe = regexp.MustCompile(`(?i)\bEXTRACT\s*\(\s*MONTH\s+FROM`)
	toCharMonthRe  = regexp.MustCompile(`(?i)\bTO_CHAR\s*\([^()]*,\s*'(?:YYYY-)?MM'`)
	windowSQLRe    = regexp.MustCompile(`(?i)\b(?:INTERVAL|ADD_MONTHS)\b`)
	dateDiffCmpRe  = regexp.MustCompile(`(?i)[\w.]+\s*-\s*[\w.]+\s*<=?\s*\d`)
	fromWordRe     = regexp.MustCompile(`(?i)\bFROM\b`)
	groupDateRe    = regexp.MustCompile(`(?i)\bGROUP\s+BY\s+((?:\w+\.)?(?:ADMITTIME|DISCHTIME|DEATHTIME|CHARTTIME|INTIME|OUTTIME|STARTTIME|ENDTIME))\b`)
	orderPrefixRe  = regexp.MustCompile(`(?i)\bORDER\s+BY\s+`)
	whereWordRe    = regexp.MustCompile(`(?i)\bWHERE\b`)
	tailWordRe     = regexp.MustCompile(`(?i)\b(?:GROUP\s+BY|HAVING|ORDER\s+BY)\b`)
)

// ageBucket is the four-band grouping shared with the cohort subgroups.
const ageBucket = "CASE WHEN ANCHOR_AGE < 40 THEN '<40' " +
	"WHEN ANCHOR_AGE < 65 THEN '40-64' " +
	"WHEN ANCHOR_AGE < 80 THEN '65-79' ELSE '80+' END"

var detectors = []detector{
	{
		code:   "ratio_missing",
		detail: "question asks for a ratio or rate but the SQL computes none",
		applies: func(q probe) bool {
			return q.match(ratioQRe) || q.has("비율", "퍼센트", "백분율", "%")
		},
		ok: func(_ probe, sql string) bool {
			code := stripLiterals(sql)
			return strings.Contains(code, "/") || avgCallRe.MatchString(code) ||
				rateIdentRe.MatchString(code)
		},
	},
	{
		code:   "quartile_missing",
		detail: "question asks for quartiles but the SQL has no NTILE(4) or Q1-Q4 buckets",
		applies: func(q probe) bool {
			return q.match(quartileQRe) || q.has("사분위")
		},
		ok: func(_ probe, sql string) bool {
			code := stripLiterals(sql)
			return ntile4Re.MatchString(code) || quartAliasRe.MatchString(code)
		},
	},
	{
		code:   "strata_missing",
		detail: "question asks for a breakdown but the SQL neither groups nor partitions",
		applies: func(q probe) bool {
			return q.match(strataQRe) ||
				q.has("성별", "연령별", "연령대별", "연도별", "월별", "유형별", "부서별", "인종별", "그룹별")
		},
		ok: func(_ probe, sql string) bool {
			return strataSQLRe.MatchString(stripLiterals(sql))
		},
	},
	{
		code:   "year_bucket_missing",
		detail: "question asks per year but the SQL has no year bucket",
		applies: func(q probe) bool {
			return q.match(yearQRe) || q.has("연도별", "매년", "연간", "해마다")
		},
		ok: func(_ probe, sql string) bool {
			return extractYearRe.MatchString(sql) || toCharYearRe.MatchString(sql)
		},
		rewrite: func(_ probe, sql string) (string, bool) {
			return bucketRewrite(sql, "YYYY", "YR")
		},
	},
	{
		code:   "month_bucket_missing",
		detail: "question asks per month but the SQL has no month bucket",
		applies: func(q probe) bool {
			return q.match(monthQRe) || q.has("월별", "매월", "달별")
		},
		ok: func(_ probe, sql string) bool {
			return extractMonthRe.MatchString(sql) || toCharMonthRe.MatchString(sql)
		},
		rewrite: func(_ probe, sql string) (string, bool) {
			return bucketRewrite(sql, "YYYY-MM", "MON")
		},
	},
	{
		code:   "window_missing",
		detail: "question bounds a time window but the SQL has no window predicate",
		applies: func(q probe) bool {
			return q.match(windowQRe) || windowKoRe.MatchString(q.raw)
		},
		ok: func(_ probe, sql string) bool {
			code := stripLiterals(sql)
			return windowSQLRe.MatchString(code) || dateDiffCmpRe.MatchString(code)
		},
	},
	{
		code:   "age_concept",
		detail: "age question answered with ANCHOR_YEAR_GROUP instead of ANCHOR_AGE",
		applies: func(q probe) bool {
			return q.match(ageQRe) || q.has("나이", "연령")
		},
		ok: func(_ probe, sql string) bool {
			return !wordIn(sql, "ANCHOR_YEAR_GROUP")
		},
		rewrite: func(_ probe, sql string) (string, bool) {
			out := replaceWord(sql, "ANCHOR_YEAR_GROUP", "ANCHOR_AGE")
			return out, out != sql
		},
	},
	{
		code:   "age_projection_missing",
		detail: "age-group ranking question whose SELECT list carries no age expression",
		applies: func(q probe) bool {
			group := q.has("age group", "age band", "연령대", "연령군")
			rank := q.match(rankQRe) || q.has("가장", "많은", "최다")
			return group && rank
		},
		ok: func(_ probe, sql string) bool {
			head := selectHead(sql)
			return wordIn(head, "ANCHOR_AGE") || wordIn(head, "AGE_GROUP") || wordIn(head, "AGE")
		},
		rewrite: func(_ probe, sql string) (string, bool) {
			return ageGroupRewrite(sql)
		},
	},
}

// Check runs every detector and returns the mismatches in table order.
func Check(question, sql string) []Issue {
	q := newProbe(question)
	var issues []Issue
	for _, d := range detectors {
		if d.applies(q) && !d.ok(q, sql) {
			issues = append(issues, Issue{Code: d.code, Detail: d.detail})
		}
	}
	return issues
}

// Align applies the rewrites available for the detected issues. A candidate
// is kept only when its issue set is a strict subset of the current one, so
// alignment can never add a mismatch. Returns the (possibly rewritten) SQL,
// the remaining issues, and whether anything changed.
func Align(question, sql string) (string, []Issue, bool) {
	q := newProbe(question)
	issues := Check(question, sql)
	if len(issues) == 0 {
		return sql, nil, false
	}
	changed := false
	for _, d := range detectors {
		if d.rewrite == nil || !hasIssue(issues, d.code) {
			continue
		}
		candidate, ok := d.rewrite(q, sql)
		if !ok || candidate == sql {
			continue
		}
		next := Check(question, candidate)
		if !strictSubset(next, issues) {
			continue
		}
		sql = candidate
		issues = next
		changed = true
	}
	return sql, issues, changed
}

func hasIssue(issues []Issue, code string) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// strictSubset reports whether next carries only codes already in prev and
// fewer of them.
func strictSubset(next, prev []Issue) bool {
	if len(next) >= len(prev) {
		return false
	}
	for _, is := range next {
		if !hasIssue(prev, is.Code) {
			return false
		}
	}
	return true
}

// bucketRewrite wraps a raw date column that the statement groups on in
// TO_CHAR with the given format, in the select list, the GROUP BY, and any
// ORDER BY reference. Fails when the grouped column is not projected.
func bucketRewrite(sql, format, alias string) (string, bool) {
	code := stripLiterals(sql)
	gm := groupDateRe.FindStringSubmatchIndex(code)
	if gm == nil {
		return "", false
	}
	col := sql[gm[2]:gm[3]]
	wrapped := "TO_CHAR(" + col + ", '" + format + "')"

	fm := fromWordRe.FindStringIndex(code)
	if fm == nil {
		return "", false
	}
	head := sql[:fm[0]]
	colRe := wordReFor(col)
	if !colRe.MatchString(head) {
		return "", false
	}
	replaced := false
	head = colRe.ReplaceAllStringFunc(head, func(m string) string {
		if replaced {
			return m
		}
		replaced = true
		return wrapped + " AS " + alias
	})
	out := head + sql[fm[0]:]

	out = groupDateRe.ReplaceAllString(out, "GROUP BY "+wrapped)
	orderColRe := regexp.MustCompile(`(?i)(\bORDER\s+BY\s+)` + regexp.QuoteMeta(col) + `\b`)
	out = orderColRe.ReplaceAllString(out, "${1}"+wrapped)
	return out, true
}

// ageGroupRewrite rebuilds a PATIENTS statement around the four-band age
// grouping, keeping the original WHERE predicates. Joined statements are
// left alone; dropping the join could orphan their predicates.
func ageGroupRewrite(sql string) (string, bool) {
	if !wordIn(sql, "PATIENTS") || wordIn(sql, "JOIN") {
		return "", false
	}
	out := "SELECT " + ageBucket + " AS AGE_GROUP, COUNT(*) AS CNT FROM PATIENTS"
	if where := whereBody(sql); where != "" {
		out += " WHERE " + where
	}
	out += " GROUP BY " + ageBucket + " ORDER BY CNT DESC"
	return out, true
}

// whereBody returns the predicate text between WHERE and the statement
// tail, or "".
func whereBody(sql string) string {
	code := stripLiterals(sql)
	wm := whereWordRe.FindStringIndex(code)
	if wm == nil {
		return ""
	}
	end := len(sql)
	if tm := tailWordRe.FindStringIndex(code[wm[1]:]); tm != nil {
		end = wm[1] + tm[0]
	}
	return strings.TrimSpace(sql[wm[1]:end])
}

// selectHead returns the text between SELECT and the first FROM.
func selectHead(sql string) string {
	code := stripLiterals(sql)
	if fm := fromWordRe.FindStringIndex(code); fm != nil {
		return sql[:fm[0]]
	}
	return sql
}

// stripLiterals blanks single-quoted literals, length-preserving, so the
// pattern indexes above line up with the original statement.
func stripLiterals(sql string) string {
	out := []byte(sql)
	inLit := false
	for i := 0; i < len(out); i++ {
		switch {
		case !inLit && out[i] == '\'':
			out[i] = ' '
			inLit = true
		case inLit && out[i] == '\'':
			if i+1 < len(out) && out[i+1] == '\'' {
				out[i], out[i+1] = ' ', ' '
				i++
				continue
			}
			out[i] = ' '
			inLit = false
		case inLit:
			out[i] = ' '
		}
	}
	return string(out)
}

func wordReFor(ident string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(ident) + `\b`)
}

func wordIn(sql, ident string) bool {
	return wordReFor(ident).MatchString(stripLiterals(sql))
}

// replaceWord swaps ident outside string literals.
func replaceWord(sql, ident, with string) string {
	re := wordReFor(ident)
	var b strings.Builder
	code := stripLiterals(sql)
	last := 0
	for _, loc := range re.FindAllStringIndex(code, -1) {
		b.WriteString(sql[last:loc[0]])
		b.WriteString(with)
		last = loc[1]
	}
	b.WriteString(sql[last:])
	return b.String()
}
