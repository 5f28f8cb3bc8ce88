package sqlrewrite

import (
	"regexp"
	"strings"
)

// Clinical semantics, whole-statement canonicalizations, and aggregation
// hygiene.

var (
	icuFlagRe       = regexp.MustCompile(`(?i)\b(?:\w+\.)?(HAS_ICU_STAY|ICU_STAY|ICU_FLAG|ICUSTAY_FLAG)\b(\s*=\s*([01]))?`)
	expireNotNullRe = regexp.MustCompile(`(?i)((?:\w+\.)?HOSPITAL_EXPIRE_FLAG)\s+IS\s+NOT\s+NULL\b`)
	castLOSRe       = regexp.MustCompile(`(?i)CAST\s*\(\s*((?:\w+\.)?)OUTTIME\s+AS\s+DATE\s*\)\s*-\s*CAST\s*\(\s*(?:\w+\.)?INTIME\s+AS\s+DATE\s*\)`)
	plainLOSRe      = regexp.MustCompile(`(?i)\b((?:\w+\.)?)OUTTIME\s*-\s*(?:\w+\.)?INTIME\b`)
	groupByWordRe   = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	orderByWordRe   = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	avgCallRe       = regexp.MustCompile(`(?i)\bAVG\s*\(\s*((?:\w+\.)?\w+)\s*\)`)
	groupListRe     = regexp.MustCompile(`(?is)\bGROUP\s+BY\s+(.+?)(\bHAVING\b|\bORDER\s+BY\b|$)`)
	groupByHadmRe   = regexp.MustCompile(`(?i)\bGROUP\s+BY\b[^()]*\bHADM_ID\b`)
	simpleColRe     = regexp.MustCompile(`^(?:[A-Za-z_]\w*\.)?[A-Za-z_]\w*$`)
	countAliasRe    = regexp.MustCompile(`(?i)\b(COUNT\s*\(\s*(?:\*|DISTINCT\s+(?:\w+\.)?\w+|(?:\w+\.)?\w+)\s*\)\s+AS\s+)([A-Za-z_]\w*)\b`)
)

func semanticRules() []rule {
	return []rule{
		{
			// Invented ICU flags become correlated subselects on ICUSTAYS.
			tag: "icu_flag_exists",
			detect: func(_ question, sql string) bool {
				if !matchOutside(sql, icuFlagRe) {
					return false
				}
				base, _, ok := baseTable(sql)
				return ok && base != "ICUSTAYS"
			},
			apply: func(_ question, sql string) string {
				_, ref, ok := baseTable(sql)
				if !ok {
					return sql
				}
				return replaceOutsideFunc(sql, icuFlagRe, func(m string) string {
					sub := "EXISTS (SELECT 1 FROM ICUSTAYS WHERE ICUSTAYS.SUBJECT_ID = " + ref + ".SUBJECT_ID)"
					if g := icuFlagRe.FindStringSubmatch(m); g != nil && g[3] == "0" {
						return "NOT " + sub
					}
					return sub
				})
			},
		},
		{
			// The flag is 0/1, never NULL-checked.
			tag: "expire_flag_eq",
			detect: func(_ question, sql string) bool {
				return matchOutside(sql, expireNotNullRe)
			},
			apply: func(_ question, sql string) string {
				return replaceOutside(sql, expireNotNullRe, "$1 = 1")
			},
		},
		{
			// ICU stay duration is precomputed in ICUSTAYS.LOS (days).
			tag: "los_from_dates",
			detect: func(_ question, sql string) bool {
				return hasWord(sql, "ICUSTAYS") &&
					(matchOutside(sql, castLOSRe) || matchOutside(sql, plainLOSRe))
			},
			apply: func(_ question, sql string) string {
				sql = replaceOutside(sql, castLOSRe, "${1}LOS")
				return replaceOutside(sql, plainLOSRe, "${1}LOS")
			},
		},
	}
}

// Canonical statements for recurring question shapes. Applied only when
// the draft structurally deviates; the hygiene rules that follow add the
// NULL guards and WHERE clause.
const (
	canonAdmissionsByICU = "SELECT FIRST_CAREUNIT, COUNT(DISTINCT HADM_ID) AS CNT " +
		"FROM ICUSTAYS GROUP BY FIRST_CAREUNIT ORDER BY CNT DESC"

	canonGenderByDiagnosis = "SELECT D_ICD_DIAGNOSES.LONG_TITLE, PATIENTS.GENDER, COUNT(*) AS CNT " +
		"FROM DIAGNOSES_ICD " +
		"JOIN D_ICD_DIAGNOSES ON DIAGNOSES_ICD.ICD_CODE = D_ICD_DIAGNOSES.ICD_CODE " +
		"AND DIAGNOSES_ICD.ICD_VERSION = D_ICD_DIAGNOSES.ICD_VERSION " +
		"JOIN PATIENTS ON DIAGNOSES_ICD.SUBJECT_ID = PATIENTS.SUBJECT_ID " +
		"GROUP BY D_ICD_DIAGNOSES.LONG_TITLE, PATIENTS.GENDER ORDER BY CNT DESC"

	canonAgeByAdmissionType = "SELECT ADMISSIONS.ADMISSION_TYPE, ROUND(AVG(PATIENTS.ANCHOR_AGE), 1) AS AVG_AGE " +
		"FROM ADMISSIONS JOIN PATIENTS ON ADMISSIONS.SUBJECT_ID = PATIENTS.SUBJECT_ID " +
		"GROUP BY ADMISSIONS.ADMISSION_TYPE ORDER BY AVG_AGE DESC"
)

func canonicalRules() []rule {
	return []rule{
		{
			tag: "canon_admissions_by_icu",
			detect: func(q question, sql string) bool {
				if !q.has("admission", "입원") || !q.has("icu", "중환자") {
					return false
				}
				hasUnit := hasWord(sql, "FIRST_CAREUNIT") || hasWord(sql, "LAST_CAREUNIT") || hasWord(sql, "CAREUNIT")
				return !hasUnit || !matchOutside(sql, groupByWordRe)
			},
			apply: func(_ question, _ string) string { return canonAdmissionsByICU },
		},
		{
			tag: "canon_gender_by_diagnosis",
			detect: func(q question, sql string) bool {
				if !q.has("gender", "성별") || !q.has("diagnos", "진단") {
					return false
				}
				return !hasWord(sql, "GENDER") || !hasWord(sql, "LONG_TITLE") ||
					!matchOutside(sql, groupByWordRe)
			},
			apply: func(_ question, _ string) string { return canonGenderByDiagnosis },
		},
		{
			tag: "canon_avg_per_admission",
			detect: func(q question, sql string) bool {
				if !q.has("average", "평균", "avg") {
					return false
				}
				if !q.has("per admission", "per stay", "입원당", "입원 당", "건당") {
					return false
				}
				return !hasWord(sql, "AVG")
			},
			apply: func(_ question, sql string) string {
				if selectCount(sql) == 1 && matchOutside(sql, groupByHadmRe) && hasWord(sql, "CNT") {
					return "SELECT AVG(CNT) AS AVG_PER_ADMISSION FROM (" + sql + ")"
				}
				base, _, ok := baseTable(sql)
				if !ok || !knownTables[base] {
					return sql
				}
				return "SELECT AVG(CNT) AS AVG_PER_ADMISSION FROM " +
					"(SELECT HADM_ID, COUNT(*) AS CNT FROM " + base + " GROUP BY HADM_ID)"
			},
		},
		{
			tag: "canon_age_by_admission_type",
			detect: func(q question, sql string) bool {
				if !q.has("age", "나이", "연령") || !q.has("admission type", "admission_type", "입원 유형", "입원유형") {
					return false
				}
				return !hasWord(sql, "ANCHOR_AGE") || !hasWord(sql, "ADMISSION_TYPE") ||
					!matchOutside(sql, groupByWordRe)
			},
			apply: func(_ question, _ string) string { return canonAgeByAdmissionType },
		},
	}
}

// unsafeCountAliases are Oracle reserved or keyword-colliding identifiers
// seen as COUNT aliases in drafts; they are renamed to CNT.
var unsafeCountAliases = map[string]bool{
	"COUNT": true, "NUMBER": true, "ROWS": true, "SIZE": true, "LEVEL": true,
	"MODE": true, "DATE": true, "ORDER": true, "GROUP": true, "DESC": true,
	"ASC": true, "TABLE": true, "SESSION": true, "UID": true, "USER": true,
	"COMMENT": true, "ACCESS": true, "AUDIT": true, "FILE": true,
	"ROWNUM": true, "SYSDATE": true,
}

func hygieneRules() []rule {
	guardRe := func(col string) *regexp.Regexp {
		return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(col) + `\s+IS\s+NOT\s+NULL\b`)
	}
	countColOrderRe := regexp.MustCompile(`(?i)^\s*SELECT\s+(COUNT\s*\(\s*\*\s*\)\s+AS\s+CNT)\s*,\s*((?:\w+\.)?\w+)\s+FROM\b`)

	groupCols := func(sql string) []string {
		m := groupListRe.FindStringSubmatchIndex(blankLiterals(sql))
		if m == nil {
			return nil
		}
		var cols []string
		for _, part := range strings.Split(sql[m[2]:m[3]], ",") {
			c := strings.TrimSpace(part)
			if simpleColRe.MatchString(c) {
				cols = append(cols, c)
			}
		}
		return cols
	}
	avgCols := func(sql string) []string {
		var cols []string
		for _, m := range avgCallRe.FindAllStringSubmatch(blankLiterals(sql), -1) {
			c := strings.TrimSpace(m[1])
			if simpleColRe.MatchString(c) {
				cols = append(cols, c)
			}
		}
		return cols
	}
	unguarded := func(sql string, cols []string) []string {
		var out []string
		for _, c := range cols {
			if !matchOutside(sql, guardRe(c)) {
				out = append(out, c)
			}
		}
		return out
	}

	return []rule{
		{
			// COUNT aliased to a reserved word breaks ORDER BY references.
			tag: "agg_alias_cnt",
			detect: func(_ question, sql string) bool {
				for _, m := range countAliasRe.FindAllStringSubmatch(blankLiterals(sql), -1) {
					if unsafeCountAliases[strings.ToUpper(m[2])] {
						return true
					}
				}
				return false
			},
			apply: func(_ question, sql string) string {
				var renamed []string
				for _, m := range countAliasRe.FindAllStringSubmatch(blankLiterals(sql), -1) {
					if unsafeCountAliases[strings.ToUpper(m[2])] {
						renamed = append(renamed, m[2])
					}
				}
				sql = replaceOutsideFunc(sql, countAliasRe, func(m string) string {
					g := countAliasRe.FindStringSubmatch(m)
					if g != nil && unsafeCountAliases[strings.ToUpper(g[2])] {
						return g[1] + "CNT"
					}
					return m
				})
				for _, alias := range renamed {
					re := regexp.MustCompile(`(?i)(\bORDER\s+BY\s+)` + regexp.QuoteMeta(alias) + `\b`)
					sql = replaceOutside(sql, re, "${1}CNT")
				}
				return sql
			},
		},
		{
			tag: "agg_count_col_order",
			detect: func(_ question, sql string) bool {
				return countColOrderRe.MatchString(sql)
			},
			apply: func(_ question, sql string) string {
				return countColOrderRe.ReplaceAllString(sql, "SELECT ${2}, ${1} FROM")
			},
		},
		{
			// NULL group keys render as blank chart categories.
			tag: "agg_groupby_guard",
			detect: func(_ question, sql string) bool {
				return selectCount(sql) == 1 && len(unguarded(sql, groupCols(sql))) > 0
			},
			apply: func(_ question, sql string) string {
				for _, c := range unguarded(sql, groupCols(sql)) {
					sql = appendPredicate(sql, c+" IS NOT NULL")
				}
				return sql
			},
		},
		{
			tag: "agg_avg_guard",
			detect: func(_ question, sql string) bool {
				return selectCount(sql) == 1 && len(unguarded(sql, avgCols(sql))) > 0
			},
			apply: func(_ question, sql string) string {
				for _, c := range unguarded(sql, avgCols(sql)) {
					sql = appendPredicate(sql, c+" IS NOT NULL")
				}
				return sql
			},
		},
		{
			tag: "agg_order_by_cnt",
			detect: func(q question, sql string) bool {
				return q.wantsRanking() && selectCount(sql) == 1 &&
					hasWord(sql, "CNT") && !matchOutside(sql, orderByWordRe)
			},
			apply: func(_ question, sql string) string {
				// Insert ahead of any LIMIT/FETCH tail so the later dialect
				// conversion keeps the ordering inside its ROWNUM wrapper.
				head := strings.TrimRight(sql, " \t\n;")
				tail := sql[len(head):]
				blank := blankLiterals(head)
				cut := len(head)
				if m := limitTailRe.FindStringIndex(blank); m != nil {
					cut = m[0]
				} else if m := fetchTailRe.FindStringIndex(blank); m != nil {
					cut = m[0]
				}
				return head[:cut] + " ORDER BY CNT DESC" + head[cut:] + tail
			},
		},
	}
}
