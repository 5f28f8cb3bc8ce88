package pdfcohort

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/model"
)

// maxSteps bounds the executable plan; papers with longer criteria lists
// get the strongest steps the model chose to emit first.
const maxSteps = 12

// definitionPromptRunes bounds the document text forwarded to the
// definition agent.
const definitionPromptRunes = 12000

const definitionSystem = `You read the opening pages of a clinical study and extract its cohort
definition.
Answer with one JSON object only:
{"population": "...", "inclusion": ["..."], "exclusion": ["..."]}
"population" names the base population in one sentence. Keep each
criterion short and self-contained. Use [] when the paper lists none.`

const stepsSystem = `You convert cohort criteria into executable steps over the MIMIC-IV
schema.
Answer with one JSON object only:
{"steps": [{"kind": "inclusion", "concept": "...", "table": "...",
"column": "...", "values": ["..."], "lookback_days": 0}]}
"kind" is inclusion or exclusion. "table" and "column" must come from the
schema summary. "values" are the literal values matched in the column.
"lookback_days" > 0 limits the step to that many days before ICU
admission. Omit criteria that no schema table can express.`

const rewriteSystem = `You repair a MIMIC-IV cohort query whose result was unusable as a
patient roster. Produce one Oracle SELECT or WITH statement returning one
row per patient with SUBJECT_ID, HADM_ID, and STAY_ID columns. Loosen
criteria only as far as the retrieved context justifies.
Answer with one JSON object only: {"final_sql": "..."}`

// complete is one budget-gated agent call.
func (p *Pipeline) complete(ctx context.Context, agent string, req llm.Request) (string, error) {
	if p.deps.Client == nil {
		return "", ErrNoClient
	}
	if p.deps.Costs != nil {
		if err := p.deps.Costs.CheckBudget(); err != nil {
			return "", err
		}
	}
	resp, err := p.deps.Client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("pdfcohort: %s: %w", agent, err)
	}
	if p.deps.Costs != nil {
		p.deps.Costs.Charge(ctx, agent, resp.InputTokens, resp.OutputTokens)
	}
	return resp.Content, nil
}

// define asks for the structured cohort definition of the document text.
func (p *Pipeline) define(ctx context.Context, text string) (CohortDefinition, error) {
	content, err := p.complete(ctx, "pdf_definition", llm.Request{
		System:      definitionSystem,
		Prompt:      clipRunes(text, definitionPromptRunes),
		Temperature: 0,
		MaxTokens:   700,
	})
	if err != nil {
		return CohortDefinition{}, err
	}
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return CohortDefinition{}, fmt.Errorf("pdfcohort: definition: %w", err)
	}
	var def CohortDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return CohortDefinition{}, fmt.Errorf("pdfcohort: definition: %w: %v", llm.ErrBadAgentReply, err)
	}
	def.Population = strings.TrimSpace(def.Population)
	if def.Population == "" && len(def.Inclusion) == 0 {
		return CohortDefinition{}, fmt.Errorf("pdfcohort: definition: %w: empty definition", llm.ErrBadAgentReply)
	}
	return def, nil
}

// plan asks for the executable steps behind the definition. Steps the
// model emitted outside the contract are dropped with a note rather than
// failing the document.
func (p *Pipeline) plan(ctx context.Context, def CohortDefinition, schemas []metadata.TableSchema) ([]Step, []string, error) {
	prompt := fmt.Sprintf("Cohort definition:\n%s\nMIMIC-IV schema:\n%s",
		renderDefinition(def), schemaSummary(schemas))
	content, err := p.complete(ctx, "pdf_intent", llm.Request{
		System:      stepsSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   900,
	})
	if err != nil {
		return nil, nil, err
	}
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return nil, nil, fmt.Errorf("pdfcohort: intent: %w", err)
	}
	var out struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("pdfcohort: intent: %w: %v", llm.ErrBadAgentReply, err)
	}
	steps, notes := normalizeSteps(out.Steps)
	if len(steps) == 0 {
		return nil, nil, fmt.Errorf("pdfcohort: intent: %w: no executable steps", llm.ErrBadAgentReply)
	}
	return steps, notes, nil
}

// normalizeSteps lowercases the identifying fields, drops steps outside
// the contract, clamps lookbacks, and caps the plan length.
func normalizeSteps(in []Step) ([]Step, []string) {
	var steps []Step
	var notes []string
	for _, s := range in {
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		s.Table = strings.ToLower(strings.TrimSpace(s.Table))
		s.Column = strings.ToLower(strings.TrimSpace(s.Column))
		s.Concept = strings.TrimSpace(s.Concept)
		if s.Kind != KindInclusion && s.Kind != KindExclusion {
			notes = append(notes, fmt.Sprintf("step %q dropped: kind %q", s.Concept, s.Kind))
			continue
		}
		if s.Table == "" {
			notes = append(notes, fmt.Sprintf("step %q dropped: no table", s.Concept))
			continue
		}
		if s.LookbackDays < 0 {
			s.LookbackDays = 0
		}
		vals := s.Values[:0]
		for _, v := range s.Values {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, v)
			}
		}
		s.Values = vals
		steps = append(steps, s)
		if len(steps) == maxSteps {
			notes = append(notes, fmt.Sprintf("plan truncated to %d steps", maxSteps))
			break
		}
	}
	return steps, notes
}

// rewrite is the one recovery attempt: retrieval context for the cohort
// text, then a single agent call whose output is re-checked and re-run.
// ok is false when anything along the way fails; the caller keeps the
// original result.
func (p *Pipeline) rewrite(ctx context.Context, def CohortDefinition, sqlText string, prior model.Table) (string, model.Table, bool) {
	why := "zero rows"
	if len(prior.Rows) > 0 {
		why = "no patient identifier columns"
	}
	prompt := fmt.Sprintf("Cohort definition:\n%s\nFailing query (%s):\n%s\n%s",
		renderDefinition(def), why, sqlText, p.retrieveContext(ctx, def))

	content, err := p.complete(ctx, "pdf_rewrite", llm.Request{
		System:      rewriteSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		p.logger.Warn("pdfcohort: rewrite call failed", "error", err)
		return "", model.Table{}, false
	}
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		p.logger.Warn("pdfcohort: rewrite reply outside contract", "error", err)
		return "", model.Table{}, false
	}
	var out struct {
		FinalSQL string `json:"final_sql"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		p.logger.Warn("pdfcohort: rewrite reply unparsable", "error", err)
		return "", model.Table{}, false
	}
	stmt := strings.TrimSpace(out.FinalSQL)
	if !isQuery(stmt) {
		p.logger.Warn("pdfcohort: rewrite produced a non-query")
		return "", model.Table{}, false
	}
	table, err := p.deps.Runner.Run(ctx, stmt)
	if err != nil {
		p.logger.Warn("pdfcohort: rewritten query failed", "error", err)
		return "", model.Table{}, false
	}
	if needsRewrite(table) {
		return "", model.Table{}, false
	}
	return stmt, table, true
}

// retrieveContext pulls schema and concept documents for the cohort text.
// Best effort: a missing retriever or a failing search degrades to an
// empty block.
func (p *Pipeline) retrieveContext(ctx context.Context, def CohortDefinition) string {
	if p.deps.Retriever == nil {
		return ""
	}
	groups, err := p.deps.Retriever.RetrieveAll(ctx, renderDefinition(def))
	if err != nil {
		p.logger.Warn("pdfcohort: retrieval failed", "error", err)
		return ""
	}
	var b strings.Builder
	write := func(title string, docs []model.ScoredDocument) {
		if len(docs) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n", title)
		for _, d := range docs {
			b.WriteString(d.Document.Text)
			b.WriteString("\n")
		}
	}
	write("Table schemas", groups.Schemas)
	write("Matched clinical concepts", groups.Concepts)
	return b.String()
}

func renderDefinition(def CohortDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Population: %s\n", def.Population)
	for _, c := range def.Inclusion {
		fmt.Fprintf(&b, "Include: %s\n", c)
	}
	for _, c := range def.Exclusion {
		fmt.Fprintf(&b, "Exclude: %s\n", c)
	}
	return b.String()
}

// schemaSummary renders the catalog as one table-per-line column lists,
// compact enough to ride along every step prompt.
func schemaSummary(schemas []metadata.TableSchema) string {
	var b strings.Builder
	for _, s := range schemas {
		names := make([]string, len(s.Columns))
		for i, c := range s.Columns {
			names[i] = strings.ToLower(c.Name)
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToLower(s.Name), strings.Join(names, ", "))
	}
	return b.String()
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
