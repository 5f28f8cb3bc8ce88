package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// HandleVisualize handles POST /visualize. The planner never fails the
// request: it degrades through a relaxed pass down to the numeric fallback
// insight and always produces a response.
func (h *Handlers) HandleVisualize(w http.ResponseWriter, r *http.Request) {
	var req model.VisualizeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	start := time.Now()
	resp := h.planner.Plan(r.Context(), req)

	status := model.AuditSuccess
	if resp.FallbackUsed {
		status = model.AuditWarning
	}
	h.appendAudit(model.AuditEvent{
		Type: "visualize", Question: req.UserQuery, SQL: req.SQL,
		Status: status, RowsReturned: len(req.Rows),
		DurationMS: time.Since(start).Milliseconds(),
	})
	writeJSON(w, r, http.StatusOK, resp)
}
