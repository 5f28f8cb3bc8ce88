// Package sqlgate is the static policy gate every query passes before
// execution: read-only statements, a join cap, a table allowlist, and the
// WHERE-clause policy. Checks run in a fixed order and the first failure is
// terminal. The reason strings are part of the HTTP contract and must not
// change.
package sqlgate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Stable reason strings. Clients match on these.
const (
	ReasonWrite         = "Write operations are not allowed"
	ReasonNotSelect     = "Only SELECT queries are allowed"
	ReasonJoinLimit     = "Join limit exceeded"
	ReasonWhereRequired = "WHERE clause required"
	ReasonMultiStmt     = "Multiple statements are not allowed"
	ReasonForUpdate     = "FOR UPDATE is not allowed"
	ReasonTablePrefix   = "Table not allowed: "
)

// Sentinel errors, one per violation class. The HTTP layer maps these to
// status codes (write/table scope -> 403, the rest -> 400).
var (
	ErrEmptySQL       = errors.New("sqlgate: empty SQL")
	ErrWriteOperation = errors.New("sqlgate: write operation")
	ErrNotSelect      = errors.New("sqlgate: not a SELECT")
	ErrJoinLimit      = errors.New("sqlgate: join limit exceeded")
	ErrTableScope     = errors.New("sqlgate: table not allowed")
	ErrWhereRequired  = errors.New("sqlgate: WHERE clause required")
	ErrMultiStatement = errors.New("sqlgate: multiple statements")
	ErrForUpdate      = errors.New("sqlgate: FOR UPDATE")
)

// writeKeywords immediately classify the statement as a write.
var writeKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {}, "TRUNCATE": {},
}

// ddlKeywords are non-write but still not SELECTs.
var ddlKeywords = map[string]struct{}{
	"DROP": {}, "ALTER": {}, "CREATE": {}, "GRANT": {}, "REVOKE": {},
}

// aggregateHints mark questions whose natural answer is an aggregate over a
// whole table, which exempts the SQL from the WHERE requirement when it
// actually aggregates.
var aggregateHints = []string{
	"count", "how many", "average", "mean", "total", "number of", "rate",
	"ratio", "distribution", "trend", "sum", "most", "top",
	"몇", "건수", "평균", "비율", "분포", "추이", "총", "가장", "수는", "수가", "환자수", "별",
}

var (
	aggregateFuncRe = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX|MEDIAN|STDDEV|VARIANCE|NTILE)\s*\(`)
	groupByRe       = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	whereRe         = regexp.MustCompile(`(?i)\bWHERE\b`)
	joinRe          = regexp.MustCompile(`(?i)\bJOIN\b`)
	forUpdateRe     = regexp.MustCompile(`(?i)\bFOR\s+UPDATE\b`)
	tableRefRe      = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_$#.]*)`)
	fromListRe      = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_][A-Za-z0-9_$#.]*(?:\s+[A-Za-z_][A-Za-z0-9_]*)?(?:\s*,\s*[A-Za-z_][A-Za-z0-9_$#.]*(?:\s+[A-Za-z_][A-Za-z0-9_]*)?)+)`)
	wordRe          = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

// CheckResult is one gate check outcome, kept for the policy report.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the gate outcome. Err carries the sentinel for errors.Is
// matching; Reason is the stable contract string.
type Verdict struct {
	Allowed bool
	Reason  string
	Checks  []CheckResult
	Err     error
}

// Gate holds the configured limits and table scope.
type Gate struct {
	maxJoins int
	tables   map[string]struct{}
}

// New builds a gate. allowedTables are lowercased; DUAL is always in scope.
func New(maxJoins int, allowedTables []string) *Gate {
	tables := make(map[string]struct{}, len(allowedTables)+1)
	for _, t := range allowedTables {
		tables[strings.ToLower(t)] = struct{}{}
	}
	tables["dual"] = struct{}{}
	return &Gate{maxJoins: maxJoins, tables: tables}
}

// DefaultTables is the MIMIC-IV hosp+icu scope used when the schema catalog
// is unavailable at startup.
func DefaultTables() []string {
	return []string{
		"patients", "admissions", "transfers", "icustays", "services",
		"diagnoses_icd", "d_icd_diagnoses", "procedures_icd", "d_icd_procedures",
		"labevents", "d_labitems", "chartevents", "d_items",
		"prescriptions", "pharmacy", "emar", "emar_detail", "poe", "poe_detail",
		"microbiologyevents", "outputevents", "inputevents", "procedureevents",
		"datetimeevents", "ingredientevents", "drgcodes", "hcpcsevents", "omr",
		"provider", "caregiver",
	}
}

// Check runs every gate rule against the SQL. The question is consulted
// only by the WHERE policy. First failure wins; the remaining checks are
// recorded as passed=false without detail so the report stays readable.
func (g *Gate) Check(question, sql string) Verdict {
	v := Verdict{Allowed: true}

	cleaned := stripComments(sql)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimSuffix(cleaned, ";")
	bare := stripLiterals(cleaned)

	fail := func(name, reason string, err error) Verdict {
		v.Allowed = false
		v.Reason = reason
		v.Err = err
		v.Checks = append(v.Checks, CheckResult{Name: name, Passed: false, Detail: reason})
		return v
	}
	pass := func(name string) {
		v.Checks = append(v.Checks, CheckResult{Name: name, Passed: true})
	}

	if strings.TrimSpace(cleaned) == "" {
		return fail("non_empty", "SQL must not be empty", ErrEmptySQL)
	}
	pass("non_empty")

	if strings.Contains(bare, ";") {
		return fail("single_statement", ReasonMultiStmt, ErrMultiStatement)
	}
	pass("single_statement")

	words := wordRe.FindAllString(strings.ToUpper(bare), -1)
	if len(words) == 0 {
		return fail("select_only", ReasonNotSelect, ErrNotSelect)
	}

	// The leading keyword decides the statement kind; forbidden keywords
	// anywhere at top level (literals already stripped) are also terminal.
	if words[0] != "SELECT" && words[0] != "WITH" {
		if _, isWrite := writeKeywords[words[0]]; isWrite {
			return fail("read_only", ReasonWrite, ErrWriteOperation)
		}
		return fail("select_only", ReasonNotSelect, ErrNotSelect)
	}
	for _, w := range words[1:] {
		if _, isWrite := writeKeywords[w]; isWrite {
			return fail("read_only", ReasonWrite, ErrWriteOperation)
		}
		if _, isDDL := ddlKeywords[w]; isDDL {
			return fail("select_only", ReasonNotSelect, ErrNotSelect)
		}
	}
	pass("read_only")
	pass("select_only")

	if forUpdateRe.MatchString(bare) {
		return fail("no_lock", ReasonForUpdate, ErrForUpdate)
	}
	pass("no_lock")

	if joins := len(joinRe.FindAllString(bare, -1)); joins > g.maxJoins {
		return fail("join_cap", ReasonJoinLimit,
			fmt.Errorf("%w: %d joins, limit %d", ErrJoinLimit, joins, g.maxJoins))
	}
	pass("join_cap")

	cte := cteNames(bare)
	for _, table := range referencedTables(bare) {
		if _, ok := cte[table]; ok {
			continue
		}
		if _, ok := g.tables[table]; !ok {
			return fail("table_scope", ReasonTablePrefix+strings.ToUpper(table),
				fmt.Errorf("%w: %s", ErrTableScope, strings.ToUpper(table)))
		}
	}
	pass("table_scope")

	if !whereRe.MatchString(bare) {
		aggregates := aggregateFuncRe.MatchString(bare) || groupByRe.MatchString(bare)
		if !(questionHintsAggregate(question) && aggregates) {
			return fail("where_policy", ReasonWhereRequired, ErrWhereRequired)
		}
	}
	pass("where_policy")

	return v
}

// TableReason reports whether the reason string is a table-scope violation.
func TableReason(reason string) bool {
	return strings.HasPrefix(reason, ReasonTablePrefix)
}

// questionHintsAggregate reports whether the question reads like an
// aggregate request in either language.
func questionHintsAggregate(question string) bool {
	q := strings.ToLower(question)
	folded := strings.NewReplacer(" ", "", "\t", "", "\n", "").Replace(q)
	for _, hint := range aggregateHints {
		if strings.Contains(q, hint) || strings.Contains(folded, hint) {
			return true
		}
	}
	return false
}

// scalarFromRe neutralizes the FROM keyword inside EXTRACT/TRIM scalar
// expressions so their operands are not read as table references.
var scalarFromRe = regexp.MustCompile(`(?i)\b((?:EXTRACT|TRIM|SUBSTRING)\s*\(\s*[A-Za-z]+(?:\s+'[^']*')?)\s+FROM\s+`)

// referencedTables extracts table identifiers after FROM/JOIN keywords,
// including comma-separated FROM lists. Schema prefixes are dropped;
// derived tables (FROM followed by a paren) never match the pattern.
func referencedTables(bare string) []string {
	bare = scalarFromRe.ReplaceAllString(bare, "$1 ")
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		name = strings.ToLower(name)
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || isClauseKeyword(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, m := range tableRefRe.FindAllStringSubmatch(bare, -1) {
		add(m[1])
	}
	// Comma-joined FROM lists ("FROM a, b c") hide the later tables from
	// the simple pattern.
	for _, m := range fromListRe.FindAllStringSubmatch(bare, -1) {
		for _, part := range strings.Split(m[1], ",") {
			fields := strings.Fields(strings.TrimSpace(part))
			if len(fields) > 0 {
				add(fields[0])
			}
		}
	}
	return out
}

var cteNameRe = regexp.MustCompile(`(?i)(?:\bWITH\s+|,\s*)([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)

// cteNames collects WITH-clause names so they are not mistaken for tables.
func cteNames(bare string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range cteNameRe.FindAllStringSubmatch(bare, -1) {
		out[strings.ToLower(m[1])] = struct{}{}
	}
	return out
}

// isClauseKeyword filters words that can trail FROM in scalar expressions
// (EXTRACT(YEAR FROM x), TRIM(x FROM y)) out of the table list.
func isClauseKeyword(w string) bool {
	switch w {
	case "year", "month", "day", "hour", "minute", "second", "timestamp", "date", "select":
		return true
	}
	return false
}

// stripComments removes -- line comments and /* */ block comments.
func stripComments(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(sql); {
		if strings.HasPrefix(sql[i:], "--") {
			if j := strings.IndexByte(sql[i:], '\n'); j >= 0 {
				i += j
			} else {
				break
			}
			continue
		}
		if strings.HasPrefix(sql[i:], "/*") {
			if j := strings.Index(sql[i:], "*/"); j >= 0 {
				i += j + 2
			} else {
				break
			}
			continue
		}
		if sql[i] == '\'' {
			// Copy string literals whole so comment markers inside them
			// survive.
			end := literalEnd(sql, i)
			b.WriteString(sql[i:end])
			i = end
			continue
		}
		b.WriteByte(sql[i])
		i++
	}
	return b.String()
}

// stripLiterals blanks out the content of single-quoted strings so keyword
// and identifier scans never match inside literals.
func stripLiterals(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(sql); {
		if sql[i] == '\'' {
			end := literalEnd(sql, i)
			b.WriteString("''")
			i = end
			continue
		}
		b.WriteByte(sql[i])
		i++
	}
	return b.String()
}

// literalEnd returns the index just past the string literal starting at
// sql[start] ('), honoring '' escapes.
func literalEnd(sql string, start int) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}
