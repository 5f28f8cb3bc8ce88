package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/cohort"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/oracle"
	"github.com/ashita-ai/karte/internal/orchestrator"
	"github.com/ashita-ai/karte/internal/pdfcohort"
	"github.com/ashita-ai/karte/internal/sqlgate"
	"github.com/ashita-ai/karte/internal/store"
	"github.com/ashita-ai/karte/internal/viz"
)

// OracleHealth reports executor connectivity. *oracle.Executor satisfies it.
type OracleHealth interface {
	Health(ctx context.Context) error
}

// IndexHealth reports vector-index reachability. rag.Index satisfies it.
type IndexHealth interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	orch                *orchestrator.Orchestrator
	cohortEng           *cohort.Engine
	saved               *cohort.Saved
	planner             *viz.Planner
	pdf                 *pdfcohort.Pipeline
	auditLog            *audit.Log
	costs               *audit.CostTracker
	docs                store.Store
	oracleDB            OracleHealth
	index               IndexHealth
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Saved, Planner, PDF, AuditLog, Costs, Docs, OracleDB,
// Index.
type HandlersDeps struct {
	Orchestrator        *orchestrator.Orchestrator
	CohortEngine        *cohort.Engine
	Saved               *cohort.Saved
	Planner             *viz.Planner
	PDF                 *pdfcohort.Pipeline
	AuditLog            *audit.Log
	Costs               *audit.CostTracker
	Docs                store.Store
	OracleDB            OracleHealth
	Index               IndexHealth
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		orch:                d.Orchestrator,
		cohortEng:           d.CohortEngine,
		saved:               d.Saved,
		planner:             d.Planner,
		pdf:                 d.PDF,
		auditLog:            d.AuditLog,
		costs:               d.Costs,
		docs:                d.Docs,
		oracleDB:            d.OracleDB,
		index:               d.Index,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleOneshot handles POST /query/oneshot: the pipeline up to the policy
// gate. Nothing executes here except demo-cache hits.
func (h *Handlers) HandleOneshot(w http.ResponseWriter, r *http.Request) {
	var req model.OneshotRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.orch.Oneshot(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleRun handles POST /query/run: executes a stored record or raw SQL
// after the user acknowledged the statement.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.orch.Run(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetQuery handles GET /query/get?qid=...
func (h *Handlers) HandleGetQuery(w http.ResponseWriter, r *http.Request) {
	qid := r.URL.Query().Get("qid")
	if qid == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInput, "qid is required")
		return
	}
	rec, ok := h.orch.Record(qid)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown qid: "+qid)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleDemoQuestions handles GET /query/demo/questions.
func (h *Handlers) HandleDemoQuestions(w http.ResponseWriter, r *http.Request) {
	labels := h.orch.DemoLabels()
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, r, http.StatusOK, model.DemoQuestionsResponse{Questions: labels})
}

// HandleAuditLogs handles GET /audit/logs?limit=N.
func (h *Handlers) HandleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if h.auditLog == nil {
		writeJSON(w, r, http.StatusOK, model.AuditLogResponse{Events: []model.AuditEvent{}})
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	events, err := h.auditLog.Tail(limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to read audit log", err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, r, http.StatusOK, model.AuditLogResponse{
		Events: events,
		Stats:  audit.Stats(events),
	})
}

// maxAuditLimit bounds the audit tail so one request cannot hold the log
// mutex for a full-file decode of an unbounded window.
const maxAuditLimit = 1000

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if h.oracleDB != nil {
		if err := h.oracleDB.Health(r.Context()); err == nil {
			resp.Oracle = "connected"
		} else {
			resp.Oracle = "disconnected"
			resp.Status = "degraded"
		}
	}
	if h.docs != nil {
		if err := h.docs.Healthy(r.Context()); err == nil {
			resp.Store = "connected"
		} else {
			resp.Store = "disconnected"
			resp.Status = "degraded"
		}
	}
	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Index = "connected"
		} else {
			resp.Index = "disconnected"
			resp.Status = "degraded"
		}
	}
	if h.costs != nil {
		resp.BudgetKRW = h.costs.TotalKRW()
	}

	// Degraded still answers 200; load balancers read the status field.
	writeJSON(w, r, http.StatusOK, resp)
}

// writeInternalError logs the real error and writes a generic 500. Internal
// detail never reaches the client on 5xx.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

// writeServiceError maps pipeline sentinels onto the status/code table.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.writeInternalError(w, r, "internal error", err)
		return
	}
	writeError(w, r, status, code, msg)
}

// mapError translates sentinel errors into (status, code, message). Gate
// violations surface their stable reason strings; everything unmatched is
// internal.
func mapError(err error) (int, string, string) {
	switch {
	// Input errors (400).
	case errors.Is(err, orchestrator.ErrEmptyQuestion):
		return http.StatusBadRequest, model.ErrCodeInput, "question is required"
	case errors.Is(err, orchestrator.ErrAckRequired):
		return http.StatusBadRequest, model.ErrCodeInput, "user_ack is required"
	case errors.Is(err, orchestrator.ErrEmptySQL), errors.Is(err, sqlgate.ErrEmptySQL):
		return http.StatusBadRequest, model.ErrCodeInput, "empty SQL"
	case errors.Is(err, cohort.ErrInvalidParams), errors.Is(err, cohort.ErrNoName):
		return http.StatusBadRequest, model.ErrCodeInput, err.Error()
	case errors.Is(err, pdfcohort.ErrNotPDF), errors.Is(err, pdfcohort.ErrNoText),
		errors.Is(err, pdfcohort.ErrSchemaMismatch):
		return http.StatusBadRequest, model.ErrCodeInput, err.Error()

	// Not found (404).
	case errors.Is(err, orchestrator.ErrUnknownQID):
		if qid := reasonAfter(err, orchestrator.ErrUnknownQID); qid != "" {
			return http.StatusNotFound, model.ErrCodeNotFound, "unknown qid: " + qid
		}
		return http.StatusNotFound, model.ErrCodeNotFound, "unknown qid"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, model.ErrCodeNotFound, "not found"

	// Budget ceiling (429).
	case errors.Is(err, audit.ErrBudgetExceeded):
		return http.StatusTooManyRequests, model.ErrCodeBudgetExceeded, err.Error()

	// Policy gate. Write and table-scope violations are forbidden; the
	// rest are bad requests. Messages are the gate's stable reasons.
	case errors.Is(err, sqlgate.ErrWriteOperation):
		return http.StatusForbidden, model.ErrCodePolicy, sqlgate.ReasonWrite
	case errors.Is(err, sqlgate.ErrTableScope):
		return http.StatusForbidden, model.ErrCodeTableScope, tableScopeReason(err)
	case errors.Is(err, sqlgate.ErrNotSelect):
		return http.StatusBadRequest, model.ErrCodeUnsupported, sqlgate.ReasonNotSelect
	case errors.Is(err, sqlgate.ErrJoinLimit):
		return http.StatusBadRequest, model.ErrCodeUnsupported, sqlgate.ReasonJoinLimit
	case errors.Is(err, sqlgate.ErrWhereRequired):
		return http.StatusBadRequest, model.ErrCodePolicy, sqlgate.ReasonWhereRequired
	case errors.Is(err, sqlgate.ErrMultiStatement):
		return http.StatusBadRequest, model.ErrCodePolicy, sqlgate.ReasonMultiStmt
	case errors.Is(err, sqlgate.ErrForUpdate):
		return http.StatusBadRequest, model.ErrCodePolicy, sqlgate.ReasonForUpdate

	// Oracle execution.
	case errors.Is(err, oracle.ErrNotSelect):
		return http.StatusBadRequest, model.ErrCodeUnsupported, "statement is not a query"
	case errors.Is(err, oracle.ErrTimeout):
		return http.StatusBadRequest, model.ErrCodeTimeout, "statement timed out"
	case errors.Is(err, oracle.ErrDisconnected):
		return http.StatusServiceUnavailable, model.ErrCodeDriver, "database unavailable"

	// Agent/provider failures (502).
	case errors.Is(err, orchestrator.ErrUpstream), errors.Is(err, llm.ErrBadAgentReply),
		errors.Is(err, llm.ErrEmptyReply), errors.Is(err, pdfcohort.ErrNoClient):
		return http.StatusBadGateway, model.ErrCodeUpstream, err.Error()
	}
	return http.StatusInternalServerError, model.ErrCodeInternal, err.Error()
}

// reasonAfter extracts the text the caller attached after the sentinel
// ("sentinel: detail"). Empty when the error was not wrapped that way.
func reasonAfter(err error, sentinel error) string {
	s := err.Error()
	marker := sentinel.Error() + ": "
	if idx := strings.Index(s, marker); idx >= 0 {
		return s[idx+len(marker):]
	}
	return ""
}

// tableScopeReason recovers the "Table not allowed: X" reason from the
// wrapped gate error. The sentinel itself carries the table name, so the
// stable prefix is located in the text rather than split on the sentinel.
func tableScopeReason(err error) string {
	s := err.Error()
	if idx := strings.Index(s, sqlgate.ReasonTablePrefix); idx >= 0 {
		return s[idx:]
	}
	return strings.TrimSuffix(sqlgate.ReasonTablePrefix, ": ")
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
