package server

import (
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// HandleCohortSimulate handles POST /cohort/simulate. A missing baseline
// compares the requested params against the defaults.
func (h *Handlers) HandleCohortSimulate(w http.ResponseWriter, r *http.Request) {
	var req model.CohortSimulateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	baseline := model.DefaultCohortParams()
	if req.Baseline != nil {
		baseline = *req.Baseline
	}

	start := time.Now()
	result, err := h.cohortEng.Simulate(r.Context(), baseline, req.Params)
	if err != nil {
		h.appendAudit(model.AuditEvent{
			Type: "cohort", Status: model.AuditError, Error: err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		})
		h.writeServiceError(w, r, err)
		return
	}

	h.appendAudit(model.AuditEvent{
		Type: "cohort", Status: model.AuditSuccess,
		RowsReturned: result.Snapshot.PatientCount,
		DurationMS:   time.Since(start).Milliseconds(),
	})
	writeJSON(w, r, http.StatusOK, result)
}

// HandleCohortSQL handles POST /cohort/sql: the compiled bundle without
// execution, for review in the UI.
func (h *Handlers) HandleCohortSQL(w http.ResponseWriter, r *http.Request) {
	var req model.CohortSQLRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	bundle, err := h.cohortEng.BundleFor(req.Params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"sql": map[string]string(bundle)})
}

// HandleSavedList handles GET /cohort/saved.
func (h *Handlers) HandleSavedList(w http.ResponseWriter, r *http.Request) {
	cohorts, err := h.saved.List(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list saved cohorts", err)
		return
	}
	if cohorts == nil {
		cohorts = []model.SavedCohort{}
	}
	writeJSON(w, r, http.StatusOK, cohorts)
}

// HandleSavedSave handles POST /cohort/saved.
func (h *Handlers) HandleSavedSave(w http.ResponseWriter, r *http.Request) {
	var req model.SavedCohort
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, err := h.saved.Save(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, saved)
}

// HandleSavedGet handles GET /cohort/saved/{name}.
func (h *Handlers) HandleSavedGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	c, err := h.saved.Get(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleSavedDelete handles DELETE /cohort/saved/{name}.
func (h *Handlers) HandleSavedDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.saved.Delete(r.Context(), name); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"deleted": name})
}

// maxPDFBodyBytes bounds protocol uploads. Papers are a few MB; scans of
// whole supplements are not our problem.
const maxPDFBodyBytes = 32 << 20

// HandlePDFCohort handles POST /cohort/pdf. The document arrives either as
// a raw application/pdf body or as the "file" part of a multipart form.
func (h *Handlers) HandlePDFCohort(w http.ResponseWriter, r *http.Request) {
	data, err := readPDFBody(w, r)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	start := time.Now()
	result, err := h.pdf.Build(r.Context(), data)
	if err != nil {
		h.appendAudit(model.AuditEvent{
			Type: "pdf_cohort", Status: model.AuditError, Error: err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		})
		h.writeServiceError(w, r, err)
		return
	}

	h.appendAudit(model.AuditEvent{
		Type: "pdf_cohort", SQL: result.SQL, Status: model.AuditSuccess,
		RowsReturned: len(result.Result.Rows),
		DurationMS:   time.Since(start).Milliseconds(),
	})
	writeJSON(w, r, http.StatusOK, result)
}

func readPDFBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxPDFBodyBytes); err != nil {
			return nil, err
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxPDFBodyBytes))
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxPDFBodyBytes))
}

// appendAudit is best-effort; handlers never fail a request over the log.
func (h *Handlers) appendAudit(ev model.AuditEvent) {
	if h.auditLog == nil {
		return
	}
	h.auditLog.Append(ev)
}
