package model

import "time"

// AuditStatus is the terminal status of an audited operation.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditWarning AuditStatus = "warning"
	AuditError   AuditStatus = "error"
)

// AuditUser identifies the requester; role is free-form (viewer, clinician,
// admin) and carried for reporting only. There is no authorization here.
type AuditUser struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// AuditEvent is one append-only log line in var/logs/events.jsonl.
// Timestamps are assigned monotonically by the audit log.
type AuditEvent struct {
	TS             time.Time   `json:"ts"`
	Type           string      `json:"type"` // oneshot | run | cohort | visualize | pdf_cohort
	User           AuditUser   `json:"user"`
	Question       string      `json:"question,omitempty"`
	SQL            string      `json:"sql,omitempty"`
	Status         AuditStatus `json:"status"`
	RowsReturned   int         `json:"rows_returned"`
	RowCap         int         `json:"row_cap,omitempty"`
	DurationMS     int64       `json:"duration_ms"`
	Error          string      `json:"error,omitempty"`
	AppliedTerms   []string    `json:"applied_terms,omitempty"`   // glossary/map labels that matched
	AppliedMetrics []string    `json:"applied_metrics,omitempty"` // rewrite rule tags
}

// AuditStats is the rolling summary returned with GET /audit/logs.
type AuditStats struct {
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Warning       int     `json:"warning"`
	Error         int     `json:"error"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	AvgRows       float64 `json:"avg_rows"`
}
