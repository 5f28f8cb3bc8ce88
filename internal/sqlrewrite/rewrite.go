// Package sqlrewrite is the rule-based post-processor that turns generated
// SQL into Oracle-compatible, schema-correct, row-capped statements without
// changing the analytic intent. Rules live in a fixed-order table and are
// applied in one linear pass; each applied rule appends its tag to the
// trace so the audit log can reproduce the transformation path. Every rule
// is idempotent: rewriting twice yields the same statement as rewriting
// once.
package sqlrewrite

import "strings"

// Result is the rewritten statement plus the tags of every rule that fired.
type Result struct {
	SQL   string   `json:"sql"`
	Trace []string `json:"trace,omitempty"`
}

// rule is one table entry: detect decides cheaply, apply rewrites. A rule
// only enters the trace when apply actually changed the statement.
type rule struct {
	tag    string
	detect func(q question, sql string) bool
	apply  func(q question, sql string) string
}

// Rewriter holds the ordered rule table. Safe for concurrent use; rules
// never mutate shared state.
type Rewriter struct {
	rowCap int
	rules  []rule
}

// New builds the rewriter. rowCap bounds raw row fetches against heavy
// event tables; zero disables cap injection.
func New(rowCap int) *Rewriter {
	r := &Rewriter{rowCap: rowCap}
	r.rules = append(r.rules, schemaRules()...)
	r.rules = append(r.rules, routingRules()...)
	r.rules = append(r.rules, joinRules()...)
	r.rules = append(r.rules, semanticRules()...)
	r.rules = append(r.rules, canonicalRules()...)
	r.rules = append(r.rules, hygieneRules()...)
	r.rules = append(r.rules, dialectRules()...)
	r.rules = append(r.rules, r.capRules()...)
	return r
}

// Rewrite runs the rule table over the statement in order.
func (r *Rewriter) Rewrite(questionText, sql string) Result {
	q := newQuestion(questionText)
	out := strings.TrimSpace(sql)
	var trace []string
	for _, ru := range r.rules {
		if !ru.detect(q, out) {
			continue
		}
		next := ru.apply(q, out)
		if next != out {
			out = next
			trace = append(trace, ru.tag)
		}
	}
	return Result{SQL: out, Trace: trace}
}

// question precomputes the lowercase form used by keyword detectors.
type question struct {
	raw   string
	lower string
}

func newQuestion(s string) question {
	return question{raw: s, lower: strings.ToLower(s)}
}

func (q question) has(terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(q.lower, t) {
			return true
		}
	}
	return false
}

// wantsRanking reports a "which is the most/top" style question.
func (q question) wantsRanking() bool {
	return q.has("most", "top ", "highest", "largest", "ranking", "rank",
		"가장", "많은", "상위", "순위", "최다")
}

// wantsSample marks questions that deliberately ask for sampled data; cap
// stripping must not undo an intentional sample.
func (q question) wantsSample() bool {
	return q.has("sampled", "sample", "샘플")
}
