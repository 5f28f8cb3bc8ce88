package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ashita-ai/karte/internal/model"
)

// Agent names, used as the key for usage accounting and audit events.
const (
	AgentTranslator = "translator"
	AgentClarifier  = "clarifier"
	AgentPlanner    = "planner"
	AgentEngineer   = "engineer"
	AgentExpert     = "expert"
	AgentRepair     = "repair"
)

// UsageFunc receives the token usage of one agent call.
type UsageFunc func(ctx context.Context, agent string, inputTokens, outputTokens int)

// SQLDraft is the JSON contract shared by the engineer and expert agents.
type SQLDraft struct {
	FinalSQL   string   `json:"final_sql"`
	UsedTables []string `json:"used_tables,omitempty"`
	RiskScore  int      `json:"risk_score,omitempty"`
}

// Clarification is the clarifier agent's JSON contract.
type Clarification struct {
	NeedsClarification bool   `json:"needs_clarification"`
	Question           string `json:"question,omitempty"`
}

// Agents bundles the six pipeline agents over one client. The usage
// callback fires after every successful completion; pass nil to disable
// accounting.
type Agents struct {
	client Client
	usage  UsageFunc
}

// NewAgents wires the agents to a client and a usage sink.
func NewAgents(client Client, usage UsageFunc) *Agents {
	return &Agents{client: client, usage: usage}
}

// NeedsTranslation reports whether the question contains Hangul and should
// pass through the translator before retrieval.
func NeedsTranslation(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

func (a *Agents) complete(ctx context.Context, agent string, req Request) (string, error) {
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: %s: %w", agent, err)
	}
	if a.usage != nil {
		a.usage(ctx, agent, resp.InputTokens, resp.OutputTokens)
	}
	return resp.Content, nil
}

func (a *Agents) completeJSON(ctx context.Context, agent string, req Request, out any) error {
	content, err := a.complete(ctx, agent, req)
	if err != nil {
		return err
	}
	raw, err := ExtractJSON(content)
	if err != nil {
		return fmt.Errorf("llm: %s: %w", agent, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("llm: %s: %w: %v", agent, ErrBadAgentReply, err)
	}
	return nil
}

// Translate renders a Korean clinical question into English, preserving
// medical terminology. Table and column names pass through unchanged.
func (a *Agents) Translate(ctx context.Context, question string) (string, error) {
	var out struct {
		English string `json:"english"`
	}
	err := a.completeJSON(ctx, AgentTranslator, Request{
		System:      translatorSystem,
		Prompt:      question,
		Temperature: 0,
		MaxTokens:   512,
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.English) == "" {
		return "", fmt.Errorf("llm: %s: %w: empty translation", AgentTranslator, ErrBadAgentReply)
	}
	return strings.TrimSpace(out.English), nil
}

// Clarify asks whether the question is answerable as stated. The returned
// follow-up question is only meaningful when NeedsClarification is true.
func (a *Agents) Clarify(ctx context.Context, question string, conversation []model.ConversationTurn) (Clarification, error) {
	var out Clarification
	err := a.completeJSON(ctx, AgentClarifier, Request{
		System:      clarifierSystem,
		Prompt:      renderConversation(question, conversation),
		Temperature: 0,
		MaxTokens:   256,
	}, &out)
	return out, err
}

// Plan extracts the structured analytic intent that is forwarded to the
// engineer alongside the retrieval context.
func (a *Agents) Plan(ctx context.Context, question string, cctx model.CandidateContext) (model.PlannerIntent, error) {
	var out model.PlannerIntent
	prompt := fmt.Sprintf("Question: %s\n\nAvailable schema context:\n%s", question, renderSchemas(cctx))
	err := a.completeJSON(ctx, AgentPlanner, Request{
		System:      plannerSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   512,
	}, &out)
	return out, err
}

// Engineer drafts the Oracle SQL for the question from the retrieval
// context and the planner intent.
func (a *Agents) Engineer(ctx context.Context, question string, intent *model.PlannerIntent, cctx model.CandidateContext) (SQLDraft, error) {
	var out SQLDraft
	err := a.completeJSON(ctx, AgentEngineer, Request{
		System:      engineerSystem,
		Prompt:      renderEngineerPrompt(question, intent, cctx),
		Temperature: 0,
		MaxTokens:   1024,
	}, &out)
	if err != nil {
		return SQLDraft{}, err
	}
	if strings.TrimSpace(out.FinalSQL) == "" {
		return SQLDraft{}, fmt.Errorf("llm: %s: %w: empty final_sql", AgentEngineer, ErrBadAgentReply)
	}
	return out, nil
}

// Review has the expert agent re-derive the SQL for a high-risk question.
// Same contract as Engineer, stricter prompt.
func (a *Agents) Review(ctx context.Context, question, draft string, intent *model.PlannerIntent, cctx model.CandidateContext) (SQLDraft, error) {
	prompt := renderEngineerPrompt(question, intent, cctx) +
		fmt.Sprintf("\n\nDraft SQL under review:\n%s", draft)
	var out SQLDraft
	err := a.completeJSON(ctx, AgentExpert, Request{
		System:      expertSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   1024,
	}, &out)
	if err != nil {
		return SQLDraft{}, err
	}
	if strings.TrimSpace(out.FinalSQL) == "" {
		return SQLDraft{}, fmt.Errorf("llm: %s: %w: empty final_sql", AgentExpert, ErrBadAgentReply)
	}
	return out, nil
}

// Repair asks for a corrected statement after a database error the rule
// templates could not fix.
func (a *Agents) Repair(ctx context.Context, question, sql, dbError string) (string, error) {
	var out struct {
		FinalSQL string `json:"final_sql"`
	}
	prompt := fmt.Sprintf("Question: %s\n\nFailing SQL:\n%s\n\nDatabase error:\n%s", question, sql, dbError)
	err := a.completeJSON(ctx, AgentRepair, Request{
		System:      repairSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   1024,
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.FinalSQL) == "" {
		return "", fmt.Errorf("llm: %s: %w: empty final_sql", AgentRepair, ErrBadAgentReply)
	}
	return strings.TrimSpace(out.FinalSQL), nil
}

func renderConversation(question string, turns []model.ConversationTurn) string {
	if len(turns) == 0 {
		return "Question: " + question
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func renderSchemas(cctx model.CandidateContext) string {
	if len(cctx.Schemas) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, d := range cctx.Schemas {
		b.WriteString(d.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// renderEngineerPrompt lays out the retrieval context in fixed sections so
// the agent sees schemas before examples and examples before templates.
func renderEngineerPrompt(question string, intent *model.PlannerIntent, cctx model.CandidateContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", question)

	if intent != nil {
		if raw, err := json.Marshal(intent); err == nil {
			fmt.Fprintf(&b, "\nAnalytic intent:\n%s\n", raw)
		}
	}

	writeSection := func(title string, docs []model.Document) {
		if len(docs) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n", title)
		for _, d := range docs {
			b.WriteString(d.Text)
			b.WriteString("\n")
		}
	}
	writeSection("Table schemas", cctx.Schemas)
	writeSection("Similar solved questions", cctx.Examples)
	writeSection("SQL templates", cctx.Templates)
	writeSection("Terminology", cctx.Glossary)
	writeSection("Matched clinical concepts", cctx.Concepts)
	return b.String()
}
