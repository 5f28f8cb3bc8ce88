package sqlrewrite

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Oracle dialect conversion, row-cap enforcement, and predicate pushdown.

var (
	limitTailRe    = regexp.MustCompile(`(?i)\s+LIMIT\s+(?:\d+\s*,\s*)?(\d+)(?:\s+OFFSET\s+\d+)?\s*$`)
	fetchTailRe    = regexp.MustCompile(`(?i)\s+(?:OFFSET\s+\d+\s+ROWS?\s+)?FETCH\s+(?:FIRST|NEXT)\s+(\d+)\s+ROWS?\s+ONLY\s*$`)
	topHeadRe      = regexp.MustCompile(`(?i)^(\s*SELECT\s+)TOP\s+(\d+)\s+`)
	whereTrueRe    = regexp.MustCompile(`(?i)\bWHERE\s+TRUE\b`)
	whereFalseRe   = regexp.MustCompile(`(?i)\bWHERE\s+FALSE\b`)
	bareIntervalRe = regexp.MustCompile(`(?i)\bINTERVAL\s+(\d+)\s+(DAYS?|MONTHS?|YEARS?|HOURS?|MINUTES?|SECONDS?)\b`)
	pluralUnitRe   = regexp.MustCompile(`(?i)\b(INTERVAL\s+'\d+'\s+)(DAY|MONTH|YEAR|HOUR|MINUTE|SECOND)S\b`)
	tsDiffRe       = regexp.MustCompile(`(?i)\bTIMESTAMPDIFF\s*\(\s*(DAY|HOUR|MINUTE|SECOND|MONTH|YEAR)\s*,\s*([^,()]+?)\s*,\s*([^,()]+?)\s*\)`)
	forUpdateRe    = regexp.MustCompile(`(?i)\s+FOR\s+UPDATE(?:\s+OF\s+[A-Za-z0-9_.,\s]+?)?(?:\s+NOWAIT|\s+WAIT\s+\d+|\s+SKIP\s+LOCKED)?\s*$`)
	rownumPredRe   = regexp.MustCompile(`(?i)\bROWNUM\s*<=?\s*(\d+)`)
	outerStarRe    = regexp.MustCompile(`(?i)^\s*SELECT\s+\*\s+FROM\s*\(`)
	aggTokenRe     = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX|STDDEV|MEDIAN|VARIANCE)\s*\(`)
)

// heavyTables are the event tables whose unbounded scans must be capped.
var heavyTables = []string{
	"CHARTEVENTS", "LABEVENTS", "INPUTEVENTS", "OUTPUTEVENTS",
	"PROCEDUREEVENTS", "DATETIMEEVENTS", "INGREDIENTEVENTS",
	"MICROBIOLOGYEVENTS", "EMAR", "EMAR_DETAIL", "PHARMACY",
	"POE", "POE_DETAIL", "PRESCRIPTIONS",
}

func singularUnit(u string) string {
	return strings.TrimSuffix(strings.ToUpper(u), "S")
}

// wrapRowCap nests the statement in the classic Oracle top-N wrapper.
func wrapRowCap(inner string, n string) string {
	return "SELECT * FROM (" + strings.TrimSpace(inner) + ") WHERE ROWNUM <= " + n
}

// tailCapRule converts a trailing LIMIT/FETCH FIRST into the ROWNUM wrapper.
func tailCapRule(tag string, re *regexp.Regexp) rule {
	return rule{
		tag: tag,
		detect: func(_ question, sql string) bool {
			return matchOutside(sql, re)
		},
		apply: func(_ question, sql string) string {
			m := re.FindStringSubmatchIndex(blankLiterals(sql))
			if m == nil {
				return sql
			}
			n := sql[m[2]:m[3]]
			return wrapRowCap(sql[:m[0]], n)
		},
	}
}

func dialectRules() []rule {
	return []rule{
		{
			tag: "strip_backticks",
			detect: func(_ question, sql string) bool {
				return strings.Contains(blankLiterals(sql), "`")
			},
			apply: func(_ question, sql string) string {
				return mapCode(sql, func(code string) string {
					return strings.ReplaceAll(code, "`", "")
				})
			},
		},
		{
			tag: "strip_semicolon",
			detect: func(_ question, sql string) bool {
				return strings.HasSuffix(strings.TrimSpace(sql), ";")
			},
			apply: func(_ question, sql string) string {
				return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
			},
		},
		tailCapRule("limit_to_rownum", limitTailRe),
		tailCapRule("fetch_to_rownum", fetchTailRe),
		{
			tag: "top_to_rownum",
			detect: func(_ question, sql string) bool {
				return topHeadRe.MatchString(sql)
			},
			apply: func(_ question, sql string) string {
				m := topHeadRe.FindStringSubmatch(sql)
				inner := topHeadRe.ReplaceAllString(sql, "${1}")
				return wrapRowCap(inner, m[2])
			},
		},
		{
			tag: "where_boolean_literal",
			detect: func(_ question, sql string) bool {
				return matchOutside(sql, whereTrueRe) || matchOutside(sql, whereFalseRe)
			},
			apply: func(_ question, sql string) string {
				sql = replaceOutside(sql, whereTrueRe, "WHERE 1=1")
				return replaceOutside(sql, whereFalseRe, "WHERE 1=0")
			},
		},
		{
			tag: "interval_literal",
			detect: func(_ question, sql string) bool {
				return matchOutside(sql, bareIntervalRe) || pluralUnitRe.MatchString(sql)
			},
			apply: func(_ question, sql string) string {
				sql = replaceOutsideFunc(sql, bareIntervalRe, func(m string) string {
					g := bareIntervalRe.FindStringSubmatch(m)
					return "INTERVAL '" + g[1] + "' " + singularUnit(g[2])
				})
				return pluralUnitRe.ReplaceAllStringFunc(sql, func(m string) string {
					g := pluralUnitRe.FindStringSubmatch(m)
					return g[1] + strings.ToUpper(g[2])
				})
			},
		},
		{
			tag: "timestampdiff_to_dates",
			detect: func(_ question, sql string) bool {
				return matchOutside(sql, tsDiffRe)
			},
			apply: func(_ question, sql string) string {
				sql = replaceOutsideFunc(sql, tsDiffRe, func(m string) string {
					g := tsDiffRe.FindStringSubmatch(m)
					unit, from, to := strings.ToUpper(g[1]), strings.TrimSpace(g[2]), strings.TrimSpace(g[3])
					diff := fmt.Sprintf("(CAST(%s AS DATE) - CAST(%s AS DATE))", to, from)
					switch unit {
					case "DAY":
						return diff
					case "HOUR":
						return "(" + diff + " * 24)"
					case "MINUTE":
						return "(" + diff + " * 1440)"
					case "SECOND":
						return "(" + diff + " * 86400)"
					case "MONTH":
						return fmt.Sprintf("MONTHS_BETWEEN(CAST(%s AS DATE), CAST(%s AS DATE))", to, from)
					default: // YEAR
						return fmt.Sprintf("(MONTHS_BETWEEN(CAST(%s AS DATE), CAST(%s AS DATE)) / 12)", to, from)
					}
				})
				// ICUSTAYS already materializes the stay duration; collapse
				// the freshly produced date arithmetic into LOS here so the
				// earlier duration rule has nothing left to match.
				if hasWord(sql, "ICUSTAYS") {
					sql = replaceOutside(sql, castLOSRe, "${1}LOS")
					sql = replaceOutside(sql, plainLOSRe, "${1}LOS")
				}
				return sql
			},
		},
		{
			tag: "strip_for_update",
			detect: func(_ question, sql string) bool {
				return matchOutside(sql, forUpdateRe)
			},
			apply: func(_ question, sql string) string {
				m := forUpdateRe.FindStringIndex(blankLiterals(sql))
				if m == nil {
					return sql
				}
				return strings.TrimSpace(sql[:m[0]])
			},
		},
	}
}

func (r *Rewriter) capRules() []rule {
	stripPatterns := []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?i)\bWHERE\s+ROWNUM\s*<=?\s*\d+\s+AND\s+`), "WHERE "},
		{regexp.MustCompile(`(?i)\s+AND\s+ROWNUM\s*<=?\s*\d+`), ""},
		{regexp.MustCompile(`(?i)\s*\bWHERE\s+ROWNUM\s*<=?\s*\d+\s*`), " "},
	}

	return []rule{
		{
			// A ROWNUM cap inside an aggregating query samples the input
			// instead of limiting the output; drop it unless the question
			// asked for a sample.
			tag: "strip_groupby_cap",
			detect: func(q question, sql string) bool {
				return !q.wantsSample() && selectCount(sql) == 1 &&
					matchOutside(sql, groupByWordRe) && matchOutside(sql, rownumPredRe)
			},
			apply: func(_ question, sql string) string {
				for _, p := range stripPatterns {
					if matchOutside(sql, p.re) {
						sql = replaceOutside(sql, p.re, p.repl)
					}
				}
				return strings.TrimSpace(sql)
			},
		},
		{
			tag: "row_cap",
			detect: func(_ question, sql string) bool {
				if r.rowCap <= 0 || matchOutside(sql, rownumPredRe) {
					return false
				}
				if matchOutside(sql, aggTokenRe) || matchOutside(sql, groupByWordRe) {
					return false
				}
				for _, t := range heavyTables {
					if hasWord(sql, t) {
						return true
					}
				}
				return false
			},
			apply: func(_ question, sql string) string {
				n := strconv.Itoa(r.rowCap)
				if selectCount(sql) > 1 || matchOutside(sql, orderByWordRe) {
					return wrapRowCap(sql, n)
				}
				return appendPredicate(sql, "ROWNUM <= "+n)
			},
		},
		{
			// Keep only the ROWNUM predicate in the wrapper; everything else
			// belongs to the inner statement.
			tag: "pushdown",
			detect: func(_ question, sql string) bool {
				outer, _, ok := outerWrapper(sql)
				return ok && len(outer.others) > 0
			},
			apply: func(_ question, sql string) string {
				outer, inner, ok := outerWrapper(sql)
				if !ok || len(outer.others) == 0 {
					return sql
				}
				if selectCount(inner) != 1 {
					return sql
				}
				for _, pred := range outer.others {
					inner = appendPredicate(inner, pred)
				}
				return wrapRowCap(inner, outer.capN)
			},
		},
	}
}

type wrapperPreds struct {
	capN   string
	others []string
}

// outerWrapper recognizes SELECT * FROM (inner) WHERE <preds> where one
// predicate is a ROWNUM cap, and splits the rest out for pushdown.
func outerWrapper(sql string) (wrapperPreds, string, bool) {
	var out wrapperPreds
	if !outerStarRe.MatchString(blankLiterals(sql)) {
		return out, "", false
	}
	m := outerStarRe.FindStringIndex(blankLiterals(sql))
	start, end, ok := innerSpan(sql, m[1]-1)
	if !ok {
		return out, "", false
	}
	inner := sql[start:end]

	rest := sql[end+1:]
	blankRest := blankLiterals(rest)
	wm := whereWordRe.FindStringIndex(blankRest)
	if wm == nil {
		return out, "", false
	}
	// Anything after the wrapper WHERE body would be an outer ORDER BY;
	// only a plain predicate list is safe to push down.
	body := rest[wm[1]:]
	blankBody := blankRest[wm[1]:]
	if tailClauseRe.MatchString(blankBody) {
		return out, "", false
	}

	for _, span := range splitTopLevelAnd(blankBody) {
		pred := strings.TrimSpace(body[span[0]:span[1]])
		if pred == "" {
			continue
		}
		if cm := rownumPredRe.FindStringSubmatch(pred); cm != nil && strings.HasPrefix(strings.ToUpper(pred), "ROWNUM") {
			out.capN = cm[1]
			continue
		}
		out.others = append(out.others, pred)
	}
	if out.capN == "" {
		return out, "", false
	}
	return out, inner, true
}
