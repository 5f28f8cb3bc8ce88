package sqlrewrite

import (
	"regexp"
	"strings"
	"sync"
)

// Literal-aware scanning. Every rule that matches identifiers runs against
// blankLiterals output or through mapCode so quoted strings are never
// rewritten (schema aliases inside '...' must survive untouched).

// blankLiterals replaces the bytes of every single-quoted literal with
// spaces, quotes included, preserving length so regexp match indexes line
// up with the original text. Doubled quotes ('') stay inside one literal.
func blankLiterals(sql string) string {
	out := []byte(sql)
	inLit := false
	for i := 0; i < len(out); i++ {
		if !inLit {
			if out[i] == '\'' {
				out[i] = ' '
				inLit = true
			}
			continue
		}
		if out[i] == '\'' {
			if i+1 < len(out) && out[i+1] == '\'' {
				out[i] = ' '
				out[i+1] = ' '
				i++
				continue
			}
			inLit = false
		}
		out[i] = ' '
	}
	return string(out)
}

// mapCode applies f to the code stretches between string literals and
// reassembles the statement. Literal bytes pass through untouched.
func mapCode(sql string, f func(string) string) string {
	var b strings.Builder
	start := 0
	inLit := false
	for i := 0; i < len(sql); i++ {
		if !inLit {
			if sql[i] == '\'' {
				b.WriteString(f(sql[start:i]))
				start = i
				inLit = true
			}
			continue
		}
		if sql[i] == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			b.WriteString(sql[start : i+1])
			start = i + 1
			inLit = false
		}
	}
	if inLit {
		b.WriteString(sql[start:])
	} else {
		b.WriteString(f(sql[start:]))
	}
	return b.String()
}

func replaceOutside(sql string, re *regexp.Regexp, repl string) string {
	return mapCode(sql, func(code string) string { return re.ReplaceAllString(code, repl) })
}

func replaceOutsideFunc(sql string, re *regexp.Regexp, f func(string) string) string {
	return mapCode(sql, func(code string) string { return re.ReplaceAllStringFunc(code, f) })
}

func matchOutside(sql string, re *regexp.Regexp) bool {
	return re.MatchString(blankLiterals(sql))
}

var wordReCache sync.Map // identifier -> *regexp.Regexp

// wordRe matches the identifier on word boundaries, case-insensitively.
// Underscore counts as a word character, so PATIENT never matches inside
// PATIENTS or ADMISSION inside ADMISSION_TYPE.
func wordRe(ident string) *regexp.Regexp {
	if v, ok := wordReCache.Load(ident); ok {
		return v.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(ident) + `\b`)
	wordReCache.Store(ident, re)
	return re
}

func hasWord(sql, ident string) bool {
	return wordRe(ident).MatchString(blankLiterals(sql))
}

var bareReCache sync.Map

// bareRe matches the identifier only when it is not qualified by a dot and
// not part of a longer identifier. Group 1 keeps the preceding character.
func bareRe(ident string) *regexp.Regexp {
	if v, ok := bareReCache.Load(ident); ok {
		return v.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)(^|[^.\w])(` + regexp.QuoteMeta(ident) + `)\b`)
	bareReCache.Store(ident, re)
	return re
}

func hasBare(sql, ident string) bool {
	return bareRe(ident).MatchString(blankLiterals(sql))
}

// qualify prefixes every bare occurrence of col with owner. Occurrences
// already qualified, and AS aliases, are left alone.
func qualify(sql, col, owner string) string {
	const mark = "\x00alias\x00"
	asRe := regexp.MustCompile(`(?i)\bAS\s+` + regexp.QuoteMeta(col) + `\b`)
	out := mapCode(sql, func(code string) string { return asRe.ReplaceAllString(code, mark) })
	out = replaceOutside(out, bareRe(col), "${1}"+owner+"."+col)
	return strings.ReplaceAll(out, mark, "AS "+col)
}

var sqlKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "HAVING": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "OUTER": true, "ON": true, "USING": true,
	"UNION": true, "MINUS": true, "INTERSECT": true, "SELECT": true,
	"SET": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"AND": true, "OR": true, "NOT": true, "AS": true,
	"FETCH": true, "LIMIT": true, "OFFSET": true, "FOR": true,
	"START": true, "CONNECT": true, "WITH": true,
}

// tableMatch locates the first FROM/JOIN reference to table and returns the
// half-open span of "FROM table [alias]" plus the name join conditions
// should use (the alias when one is declared, the table name otherwise).
func tableMatch(sql, table string) (span [2]int, ref string, ok bool) {
	re := regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+` + regexp.QuoteMeta(table) + `\b(\s+([A-Za-z_][A-Za-z0-9_]*))?`)
	m := re.FindStringSubmatchIndex(blankLiterals(sql))
	if m == nil {
		return span, "", false
	}
	span = [2]int{m[0], m[1]}
	ref = table
	if m[4] >= 0 {
		alias := sql[m[4]:m[5]]
		if sqlKeywords[strings.ToUpper(alias)] {
			span[1] = m[2]
		} else {
			ref = alias
		}
	}
	return span, ref, true
}

var fromBaseRe = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s+([A-Za-z_][A-Za-z0-9_]*))?`)

// baseTable returns the first table in a FROM clause and the reference name
// to correlate against it. A derived-table FROM ( yields the innermost
// concrete table instead.
func baseTable(sql string) (table, ref string, ok bool) {
	blank := blankLiterals(sql)
	m := fromBaseRe.FindStringSubmatch(blank)
	if m == nil {
		return "", "", false
	}
	table = strings.ToUpper(m[1])
	if sqlKeywords[table] {
		return "", "", false
	}
	ref = table
	if m[2] != "" && !sqlKeywords[strings.ToUpper(m[2])] {
		ref = m[2]
	}
	return table, ref, true
}

var selectWordRe = regexp.MustCompile(`(?i)\bSELECT\b`)

func selectCount(sql string) int {
	return len(selectWordRe.FindAllString(blankLiterals(sql), -1))
}

var (
	whereWordRe  = regexp.MustCompile(`(?i)\bWHERE\b`)
	tailClauseRe = regexp.MustCompile(`(?i)\b(GROUP\s+BY|HAVING|ORDER\s+BY|OFFSET|FETCH\s+(FIRST|NEXT))\b`)
	orWordRe     = regexp.MustCompile(`(?i)\bOR\b`)
)

// tailStart returns the index where the GROUP BY/HAVING/ORDER BY tail of a
// single-SELECT statement begins, or len(sql) when there is none.
func tailStart(sql string) int {
	if m := tailClauseRe.FindStringIndex(blankLiterals(sql)); m != nil {
		return m[0]
	}
	return len(sql)
}

// topLevelOr reports whether the blanked predicate body contains an OR
// outside parentheses.
func topLevelOr(blank string) bool {
	depth := 0
	last := 0
	for _, loc := range orWordRe.FindAllStringIndex(blank, -1) {
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
			return true
		}
	}
	return false
}

// appendPredicate ANDs pred onto the WHERE clause of a single-SELECT
// statement, creating the clause before any GROUP BY/ORDER BY tail when it
// is missing. A predicate body with a top-level OR is parenthesized first.
func appendPredicate(sql, pred string) string {
	blank := blankLiterals(sql)
	tail := tailStart(sql)
	if m := whereWordRe.FindStringIndex(blank); m != nil && m[0] < tail {
		body := strings.TrimSpace(sql[m[1]:tail])
		if topLevelOr(blank[m[1]:tail]) {
			body = "(" + body + ")"
		}
		out := sql[:m[1]] + " " + body + " AND " + pred
		if tail < len(sql) {
			out += " " + strings.TrimSpace(sql[tail:])
		}
		return strings.TrimSpace(out)
	}
	head := strings.TrimSpace(sql[:tail])
	out := head + " WHERE " + pred
	if tail < len(sql) {
		out += " " + strings.TrimSpace(sql[tail:])
	}
	return strings.TrimSpace(out)
}

// innerSpan returns the half-open span of the parenthesized body starting
// at the opening paren at or after from. Literals are skipped.
func innerSpan(sql string, from int) (start, end int, ok bool) {
	blank := blankLiterals(sql)
	open := strings.IndexByte(blank[from:], '(')
	if open < 0 {
		return 0, 0, false
	}
	open += from
	depth := 0
	for i := open; i < len(blank); i++ {
		switch blank[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return open + 1, i, true
			}
		}
	}
	return 0, 0, false
}

// splitTopLevelAnd cuts a predicate body on ANDs outside parentheses,
// returning the spans of each predicate relative to the body.
func splitTopLevelAnd(blankBody string) [][2]int {
	var spans [][2]int
	depth := 0
	start := 0
	i := 0
	for i < len(blankBody) {
		switch {
		case blankBody[i] == '(':
			depth++
			i++
		case blankBody[i] == ')':
			depth--
			i++
		case depth == 0 && isAndAt(blankBody, i):
			spans = append(spans, [2]int{start, i})
			i += 3
			start = i
		default:
			i++
		}
	}
	spans = append(spans, [2]int{start, len(blankBody)})
	return spans
}

func isAndAt(s string, i int) bool {
	if i+3 > len(s) {
		return false
	}
	if !strings.EqualFold(s[i:i+3], "AND") {
		return false
	}
	before := i == 0 || !isWordByte(s[i-1])
	after := i+3 == len(s) || !isWordByte(s[i+3])
	return before && after
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
