package model

import "time"

// QueryMode distinguishes demo-cache hits from the full pipeline.
type QueryMode string

const (
	ModeDemo     QueryMode = "demo"
	ModeAdvanced QueryMode = "advanced"
)

// ConversationTurn is one prior exchange forwarded for multi-turn questions.
type ConversationTurn struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// RiskAssessment is the heuristic complexity/risk score of a question.
type RiskAssessment struct {
	Score   int      `json:"score"` // 0..100
	Level   string   `json:"level"` // low | medium | high
	Reasons []string `json:"reasons,omitempty"`
}

// QueryRecord is the orchestrator-owned state between oneshot and run,
// keyed by QID and evicted LRU.
type QueryRecord struct {
	QID        string           `json:"qid"`
	Question   string           `json:"question"`
	QuestionEN string           `json:"question_en,omitempty"`
	Draft      string           `json:"draft"`
	Final      string           `json:"final"`
	Risk       RiskAssessment   `json:"risk"`
	Context    CandidateContext `json:"context"`
	Plan       *PlannerIntent   `json:"plan,omitempty"`
	Trace      []string         `json:"trace,omitempty"` // applied rewrite rule tags
	Mode       QueryMode        `json:"mode"`
	User       AuditUser        `json:"user"`
	CreatedAt  time.Time        `json:"created_at"`
}

// OneshotRequest is the body of POST /query/oneshot.
type OneshotRequest struct {
	Question     string             `json:"question"`
	Translate    *bool              `json:"translate,omitempty"`
	RAGMulti     *bool              `json:"rag_multi,omitempty"`
	Conversation []ConversationTurn `json:"conversation,omitempty"`
	UserName     string             `json:"user_name,omitempty"`
	UserRole     string             `json:"user_role,omitempty"`
}

// OneshotPayload is either a demo-cache hit or the advanced pipeline output.
type OneshotPayload struct {
	Mode QueryMode `json:"mode"`

	// Demo hit.
	Result *Table `json:"result,omitempty"`
	Label  string `json:"label,omitempty"`

	// Advanced pipeline.
	Question   string            `json:"question,omitempty"`
	QuestionEN string            `json:"question_en,omitempty"`
	Risk       *RiskAssessment   `json:"risk,omitempty"`
	Context    *CandidateContext `json:"context,omitempty"`
	Draft      string            `json:"draft,omitempty"`
	Final      string            `json:"final,omitempty"`

	// Clarification set means the pipeline stopped short of SQL and the
	// client should re-ask with the answer in the conversation.
	Clarification string `json:"clarification,omitempty"`
}

// OneshotResponse pairs the payload with its QID.
type OneshotResponse struct {
	QID     string         `json:"qid"`
	Payload OneshotPayload `json:"payload"`
}

// RunRequest is the body of POST /query/run. Either QID or SQL must be set,
// and UserAck must be true.
type RunRequest struct {
	QID     string `json:"qid,omitempty"`
	SQL     string `json:"sql,omitempty"`
	UserAck bool   `json:"user_ack"`
}

// PolicyReport summarizes the policy-gate verdict attached to a run.
type PolicyReport struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Checks  []string `json:"checks,omitempty"`
}

// RunResponse is the body returned by POST /query/run.
type RunResponse struct {
	SQL    string       `json:"sql"`
	Result Table        `json:"result"`
	Policy PolicyReport `json:"policy"`

	Attempts int      `json:"attempts,omitempty"`
	Repairs  []string `json:"repairs,omitempty"` // rule tags of error-template fixes
}

// VisualizeRequest is the body of POST /visualize.
type VisualizeRequest struct {
	UserQuery string           `json:"user_query"`
	SQL       string           `json:"sql,omitempty"`
	Rows      []map[string]any `json:"rows"`
	Columns   []string         `json:"columns,omitempty"`
}

// Analysis is one rendered chart recommendation.
type Analysis struct {
	Spec   ChartSpec `json:"chart_spec"`
	Reason string    `json:"reason"`
	HTML   string    `json:"html,omitempty"` // rendered echarts snippet
}

// VisualizationResponse is the body returned by POST /visualize.
type VisualizationResponse struct {
	SQL            string     `json:"sql,omitempty"`
	TablePreview   Table      `json:"table_preview"`
	Analyses       []Analysis `json:"analyses"`
	Insight        string     `json:"insight,omitempty"`
	FallbackUsed   bool       `json:"fallback_used"`
	FallbackStage  string     `json:"fallback_stage,omitempty"`
	FailureReasons []string   `json:"failure_reasons,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
}
