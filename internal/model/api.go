package model

import "time"

// Stable error codes carried in the HTTP error envelope. The HTTP status is
// derived from the code; the reason strings inside policy violations are
// contractually stable (clients match on them).
const (
	ErrCodeInput           = "input_error"      // 400
	ErrCodePolicy          = "policy_violation" // 403
	ErrCodeUnsupported     = "unsupported"      // 400
	ErrCodeTableScope      = "table_scope"      // 403
	ErrCodeTimeout         = "timeout"          // 400
	ErrCodeDriver          = "driver_error"     // 503
	ErrCodeBudgetExceeded  = "budget_exceeded"  // 429
	ErrCodeUpstream        = "upstream_error"   // 502
	ErrCodeNotFound        = "not_found"        // 404
	ErrCodeInternal        = "internal_error"   // 500
	ErrCodeDatasetMismatch = "dataset_mismatch" // logged only, never raised
)

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail carries the machine code and human message of a failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the failure envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// DemoQuestionsResponse lists the curated demo question labels.
type DemoQuestionsResponse struct {
	Questions []string `json:"questions"`
}

// AuditLogResponse pairs the audit tail with its rolling stats.
type AuditLogResponse struct {
	Events []AuditEvent `json:"events"`
	Stats  AuditStats   `json:"stats"`
}

// HealthResponse reports backend connectivity for GET /health.
type HealthResponse struct {
	Status    string  `json:"status"` // healthy | degraded
	Version   string  `json:"version"`
	Oracle    string  `json:"oracle,omitempty"` // connected | disconnected
	Store     string  `json:"store,omitempty"`
	Index     string  `json:"index,omitempty"`
	BudgetKRW float64 `json:"budget_krw_used"`
	Uptime    int64   `json:"uptime_seconds"`
}
