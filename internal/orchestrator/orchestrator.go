// Package orchestrator drives the text-to-SQL pipeline: demo lookup,
// translation, retrieval, the planner/engineer/expert agent chain,
// deterministic postprocessing, intent alignment, the policy gate, and the
// execute/repair loop. Oneshot produces a reviewable SQL payload keyed by
// QID; Run executes it once the user has acknowledged.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/karte/internal/alignment"
	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/rag"
	"github.com/ashita-ai/karte/internal/sqlgate"
	"github.com/ashita-ai/karte/internal/sqlrewrite"
)

// Sentinels mapped to HTTP statuses by the server layer.
var (
	ErrEmptyQuestion = errors.New("orchestrator: empty question")
	ErrEmptySQL      = errors.New("orchestrator: empty sql")
	ErrAckRequired   = errors.New("orchestrator: user_ack required")
	ErrUnknownQID    = errors.New("orchestrator: unknown qid")

	// ErrUpstream classifies planner/engineer failures (502). The provider
	// detail travels in the message.
	ErrUpstream = errors.New("orchestrator: agent failure")
)

// Runner executes one read-only statement.
type Runner interface {
	Run(ctx context.Context, sql string) (model.Table, error)
}

// Config is the orchestrator's slice of the service configuration.
type Config struct {
	DemoMode             bool
	TranslateEnabled     bool
	MaxRetryAttempts     int
	ExpertTriggerMode    string // "off" or "score"
	ExpertScoreThreshold int
	RowCap               int
}

// Deps carries the wired components. Audit and Costs may be nil in tests;
// every use is guarded.
type Deps struct {
	Agents    *llm.Agents
	Retriever *rag.Retriever
	Context   *rag.ContextBuilder
	Rewriter  *sqlrewrite.Rewriter
	Gate      *sqlgate.Gate
	Runner    Runner
	Demo      *DemoCache
	Records   *RecordStore
	Audit     *audit.Log
	Costs     *audit.CostTracker
	Logger    *slog.Logger
}

// Orchestrator is reentrant: per-request state lives on the stack, shared
// state (records, demo cache, cost tracker) is internally synchronized.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New builds the orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxRetryAttempts < 1 {
		cfg.MaxRetryAttempts = 1
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// DemoLabels exposes the demo question labels for the picker endpoint.
func (o *Orchestrator) DemoLabels() []string {
	if o.deps.Demo == nil {
		return nil
	}
	return o.deps.Demo.Labels()
}

// Record returns the stored payload for a QID.
func (o *Orchestrator) Record(qid string) (model.QueryRecord, bool) {
	return o.deps.Records.Get(qid)
}

// Oneshot runs the pipeline up to the policy gate and stores the record.
// The returned payload never contains executed rows except on a demo hit.
func (o *Orchestrator) Oneshot(ctx context.Context, req model.OneshotRequest) (model.OneshotResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return model.OneshotResponse{}, ErrEmptyQuestion
	}

	user := model.AuditUser{Name: req.UserName, Role: req.UserRole}
	qid := uuid.NewString()
	start := time.Now()

	if o.cfg.DemoMode && o.deps.Demo != nil {
		if entry, ok := o.deps.Demo.Lookup(question); ok {
			return o.demoHit(qid, question, user, entry, start), nil
		}
	}

	if clar, ok := o.clarify(ctx, question, req.Conversation); ok {
		rec := model.QueryRecord{
			QID: qid, Question: question, Mode: model.ModeAdvanced,
			User: user, CreatedAt: start,
		}
		o.deps.Records.Put(rec)
		o.appendAudit(model.AuditEvent{
			Type: "oneshot", User: user, Question: question,
			Status: model.AuditWarning, Error: "clarification_requested",
			DurationMS: ms(start),
		})
		return model.OneshotResponse{QID: qid, Payload: model.OneshotPayload{
			Mode: model.ModeAdvanced, Question: question, Clarification: clar,
		}}, nil
	}

	questionEN, err := o.translate(ctx, question, req.Translate)
	if err != nil {
		return model.OneshotResponse{}, err
	}

	// The rewriter's question templates bypass the whole agent chain.
	draft, trace, shortcut := o.shortcut(question, questionEN)

	risk := AssessRisk(question)
	var cctx model.CandidateContext
	var intent *model.PlannerIntent

	if !shortcut {
		cctx, err = o.retrieve(ctx, question, questionEN, req.RAGMulti)
		if err != nil {
			err = fmt.Errorf("%w: retrieve: %v", ErrUpstream, err)
		} else {
			intent, draft, err = o.draftSQL(ctx, pipelineQuestion(question, questionEN), risk, cctx)
		}
		if err != nil {
			o.appendAudit(model.AuditEvent{
				Type: "oneshot", User: user, Question: question,
				Status: model.AuditError, Error: err.Error(), DurationMS: ms(start),
			})
			return model.OneshotResponse{}, err
		}
	}

	final, trace2 := o.postprocess(question, draft)
	trace = append(trace, trace2...)

	verdict := o.deps.Gate.Check(pipelineQuestion(question, questionEN), final)
	if !verdict.Allowed {
		o.appendAudit(model.AuditEvent{
			Type: "oneshot", User: user, Question: question, SQL: final,
			Status: model.AuditError, Error: verdict.Reason, DurationMS: ms(start),
		})
		return model.OneshotResponse{}, fmt.Errorf("%w: %s", verdict.Err, verdict.Reason)
	}

	rec := model.QueryRecord{
		QID: qid, Question: question, QuestionEN: questionEN,
		Draft: draft, Final: final, Risk: risk, Context: cctx,
		Plan: intent, Trace: trace, Mode: model.ModeAdvanced,
		User: user, CreatedAt: start,
	}
	o.deps.Records.Put(rec)
	o.appendAudit(model.AuditEvent{
		Type: "oneshot", User: user, Question: question, SQL: final,
		Status: model.AuditSuccess, DurationMS: ms(start), AppliedMetrics: trace,
	})

	return model.OneshotResponse{QID: qid, Payload: model.OneshotPayload{
		Mode: model.ModeAdvanced, Question: question, QuestionEN: questionEN,
		Risk: &risk, Context: &cctx, Draft: draft, Final: final,
	}}, nil
}

// Run executes a stored record or raw SQL after explicit acknowledgement.
func (o *Orchestrator) Run(ctx context.Context, req model.RunRequest) (model.RunResponse, error) {
	if !req.UserAck {
		return model.RunResponse{}, ErrAckRequired
	}

	question := ""
	user := model.AuditUser{}
	sql := strings.TrimSpace(req.SQL)
	if req.QID != "" {
		rec, ok := o.deps.Records.Get(req.QID)
		if !ok {
			return model.RunResponse{}, fmt.Errorf("%w: %s", ErrUnknownQID, req.QID)
		}
		question, user, sql = rec.Question, rec.User, rec.Final
	}
	if sql == "" {
		return model.RunResponse{}, ErrEmptySQL
	}

	start := time.Now()
	verdict := o.deps.Gate.Check(question, sql)
	report := policyReport(verdict)
	if !verdict.Allowed {
		o.appendAudit(model.AuditEvent{
			Type: "run", User: user, Question: question, SQL: sql,
			Status: model.AuditError, Error: verdict.Reason, DurationMS: ms(start),
		})
		return model.RunResponse{}, fmt.Errorf("%w: %s", verdict.Err, verdict.Reason)
	}

	table, attempts, repairs, err := o.executeWithRepair(ctx, question, sql)
	if err != nil {
		o.appendAudit(model.AuditEvent{
			Type: "run", User: user, Question: question, SQL: sql,
			Status: model.AuditError, Error: err.Error(),
			RowCap: o.cfg.RowCap, DurationMS: ms(start), AppliedMetrics: repairs,
		})
		return model.RunResponse{}, fmt.Errorf("orchestrator: execute (attempt %d): %w", attempts, err)
	}

	o.appendAudit(model.AuditEvent{
		Type: "run", User: user, Question: question, SQL: sql,
		Status: model.AuditSuccess, RowsReturned: len(table.Rows),
		RowCap: o.cfg.RowCap, DurationMS: ms(start), AppliedMetrics: repairs,
	})
	return model.RunResponse{
		SQL: sql, Result: table, Policy: report,
		Attempts: attempts, Repairs: repairs,
	}, nil
}

// demoHit assembles the canned response and still records the QID so
// /query/get works for demo answers.
func (o *Orchestrator) demoHit(qid, question string, user model.AuditUser, entry DemoEntry, start time.Time) model.OneshotResponse {
	result := entry.Result
	o.deps.Records.Put(model.QueryRecord{
		QID: qid, Question: question, Final: entry.SQL,
		Mode: model.ModeDemo, User: user, CreatedAt: start,
	})
	o.appendAudit(model.AuditEvent{
		Type: "oneshot", User: user, Question: question, SQL: entry.SQL,
		Status: model.AuditSuccess, RowsReturned: len(result.Rows),
		DurationMS: ms(start),
	})
	return model.OneshotResponse{QID: qid, Payload: model.OneshotPayload{
		Mode: model.ModeDemo, Result: &result, Label: entry.Label, Final: entry.SQL,
	}}
}

// clarify screens multi-turn questions. Best effort: agent failures are
// logged and the pipeline proceeds.
func (o *Orchestrator) clarify(ctx context.Context, question string, turns []model.ConversationTurn) (string, bool) {
	if len(turns) == 0 || o.deps.Agents == nil {
		return "", false
	}
	if err := o.gateBudget(); err != nil {
		return "", false
	}
	clar, err := o.deps.Agents.Clarify(ctx, question, turns)
	if err != nil {
		o.deps.Logger.Warn("orchestrator: clarifier failed", "error", err)
		return "", false
	}
	if clar.NeedsClarification && clar.Question != "" {
		return clar.Question, true
	}
	return "", false
}

// translate produces the English form of a Hangul question. Budget refusal
// is fatal; a failing translator is not (the engineer handles Korean).
func (o *Orchestrator) translate(ctx context.Context, question string, override *bool) (string, error) {
	enabled := o.cfg.TranslateEnabled
	if override != nil {
		enabled = *override
	}
	if !enabled || !llm.NeedsTranslation(question) || o.deps.Agents == nil {
		return "", nil
	}
	if err := o.gateBudget(); err != nil {
		return "", err
	}
	en, err := o.deps.Agents.Translate(ctx, question)
	if err != nil {
		o.deps.Logger.Warn("orchestrator: translator failed", "error", err)
		return "", nil
	}
	return en, nil
}

// shortcut tries the deterministic question templates before any agent
// call, on both language forms.
func (o *Orchestrator) shortcut(question, questionEN string) (string, []string, bool) {
	if o.deps.Rewriter == nil {
		return "", nil, false
	}
	for _, q := range []string{question, questionEN} {
		if q == "" {
			continue
		}
		if sql, tag, ok := o.deps.Rewriter.Shortcut(q); ok {
			return sql, []string{tag}, true
		}
	}
	return "", nil, false
}

// retrieve builds the candidate context. rag_multi=false drops the concept
// buckets and keeps the always-allowed set.
func (o *Orchestrator) retrieve(ctx context.Context, question, questionEN string, ragMulti *bool) (model.CandidateContext, error) {
	if o.deps.Retriever == nil || o.deps.Context == nil {
		return model.CandidateContext{}, nil
	}
	q := question
	if questionEN != "" {
		q = question + "\n" + questionEN
	}
	groups, err := o.deps.Retriever.RetrieveAll(ctx, q)
	if err != nil {
		return model.CandidateContext{}, err
	}
	if ragMulti != nil && !*ragMulti {
		groups.Concepts = nil
	}
	return o.deps.Context.Build(groups), nil
}

// draftSQL runs plan -> engineer -> optional expert review. Planner and
// engineer failures are fatal; the expert is a refinement and falls back to
// the engineer draft.
func (o *Orchestrator) draftSQL(ctx context.Context, question string, risk model.RiskAssessment, cctx model.CandidateContext) (*model.PlannerIntent, string, error) {
	if err := o.gateBudget(); err != nil {
		return nil, "", err
	}
	intent, err := o.deps.Agents.Plan(ctx, question, cctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: plan: %v", ErrUpstream, err)
	}

	if err := o.gateBudget(); err != nil {
		return nil, "", err
	}
	draft, err := o.deps.Agents.Engineer(ctx, question, &intent, cctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: engineer: %v", ErrUpstream, err)
	}
	if strings.TrimSpace(draft.FinalSQL) == "" {
		return nil, "", fmt.Errorf("%w: engineer returned no SQL", ErrUpstream)
	}
	sql := draft.FinalSQL

	if o.cfg.ExpertTriggerMode == "score" && risk.Score >= o.cfg.ExpertScoreThreshold {
		if err := o.gateBudget(); err != nil {
			return nil, "", err
		}
		review, err := o.deps.Agents.Review(ctx, question, sql, &intent, cctx)
		if err != nil || strings.TrimSpace(review.FinalSQL) == "" {
			o.deps.Logger.Warn("orchestrator: expert review failed, keeping draft", "error", err)
		} else {
			sql = review.FinalSQL
		}
	}
	return &intent, sql, nil
}

// postprocess applies the rewrite rules and the alignment pass, collecting
// rule tags and alignment codes into one trace.
func (o *Orchestrator) postprocess(question, draft string) (string, []string) {
	sql := strings.TrimSpace(draft)
	var trace []string
	if o.deps.Rewriter != nil {
		res := o.deps.Rewriter.Rewrite(question, sql)
		sql, trace = res.SQL, res.Trace
	}

	aligned, remaining, changed := alignment.Align(question, sql)
	if changed {
		// Trace the issues the alignment pass actually resolved.
		for _, issue := range alignment.Check(question, sql) {
			if !hasCode(remaining, issue.Code) {
				trace = append(trace, "align_"+issue.Code)
			}
		}
		sql = aligned
	}
	for _, issue := range remaining {
		// Mismatch without a safe rewrite: logged, never raised.
		o.deps.Logger.Warn("orchestrator: alignment issue",
			"code", model.ErrCodeDatasetMismatch,
			"issue", issue.Code, "detail", issue.Detail)
	}
	return sql, trace
}

func hasCode(issues []alignment.Issue, code string) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// executeWithRepair runs the SQL, applying the Oracle error templates on
// failure and the repair agent when the templates leave the SQL unchanged.
// Total attempts are capped by MaxRetryAttempts.
func (o *Orchestrator) executeWithRepair(ctx context.Context, question, sql string) (model.Table, int, []string, error) {
	var repairs []string
	cur := sql
	for attempt := 1; ; attempt++ {
		table, err := o.deps.Runner.Run(ctx, cur)
		if err == nil {
			return table, attempt, repairs, nil
		}
		if attempt >= o.cfg.MaxRetryAttempts {
			return model.Table{}, attempt, repairs, err
		}

		fixed, tag, changed := sqlrewrite.RepairByError(cur, err.Error(), question)
		if changed {
			o.deps.Logger.Info("orchestrator: error template applied", "tag", tag)
			cur, repairs = fixed, append(repairs, tag)
			continue
		}

		repaired, ok := o.agentRepair(ctx, question, cur, err)
		if !ok {
			return model.Table{}, attempt, repairs, err
		}
		cur, repairs = repaired, append(repairs, "repair_agent")
	}
}

// agentRepair asks the repair agent for a fixed statement and re-gates it.
func (o *Orchestrator) agentRepair(ctx context.Context, question, sql string, dbErr error) (string, bool) {
	if o.deps.Agents == nil || o.gateBudget() != nil {
		return "", false
	}
	repaired, err := o.deps.Agents.Repair(ctx, question, sql, dbErr.Error())
	if err != nil {
		o.deps.Logger.Warn("orchestrator: repair agent failed", "error", err)
		return "", false
	}
	repaired = strings.TrimSpace(repaired)
	if repaired == "" || repaired == sql {
		return "", false
	}
	if v := o.deps.Gate.Check(question, repaired); !v.Allowed {
		o.deps.Logger.Warn("orchestrator: repair agent output rejected", "reason", v.Reason)
		return "", false
	}
	return repaired, true
}

// gateBudget rejects further agent work once the cost ceiling is hit.
func (o *Orchestrator) gateBudget() error {
	if o.deps.Costs == nil {
		return nil
	}
	return o.deps.Costs.CheckBudget()
}

func (o *Orchestrator) appendAudit(ev model.AuditEvent) {
	if o.deps.Audit == nil {
		return
	}
	o.deps.Audit.Append(ev)
}

// pipelineQuestion is the form agents and the gate see: the English
// translation when present, the original otherwise.
func pipelineQuestion(question, questionEN string) string {
	if questionEN != "" {
		return questionEN
	}
	return question
}

func policyReport(v sqlgate.Verdict) model.PolicyReport {
	report := model.PolicyReport{Allowed: v.Allowed, Reason: v.Reason}
	for _, c := range v.Checks {
		status := "pass"
		if !c.Passed {
			status = "fail"
		}
		report.Checks = append(report.Checks, c.Name+":"+status)
	}
	return report
}

func ms(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
