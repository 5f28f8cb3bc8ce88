package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/cohort"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/oracle"
	"github.com/ashita-ai/karte/internal/orchestrator"
	"github.com/ashita-ai/karte/internal/pdfcohort"
	"github.com/ashita-ai/karte/internal/sqlgate"
	"github.com/ashita-ai/karte/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	requestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareEchoesHeader(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	requestIDMiddleware(inner).ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddlewareConvertsPanics(t *testing.T) {
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(testLogger(), inner).ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeInternal, body.Error.Code)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestWriteJSONEnvelope(t *testing.T) {
	req := httptest.NewRequest("GET", "/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), contextKeyRequestID, "req-7"))
	rec := httptest.NewRecorder()

	writeJSON(rec, req, http.StatusCreated, map[string]string{"k": "v"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env struct {
		Data map[string]string  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "v", env.Data["k"])
	assert.Equal(t, "req-7", env.Meta.RequestID)
	assert.False(t, env.Meta.Timestamp.IsZero())
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"question": "q", "bogus": 1}`))
	var target model.OneshotRequest
	err := decodeJSON(httptest.NewRecorder(), req, &target, 1<<20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeJSONRejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"question": "q"} {"question": "r"}`))
	var target model.OneshotRequest
	err := decodeJSON(httptest.NewRecorder(), req, &target, 1<<20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing")
}

func TestDecodeJSONBodyTooLarge(t *testing.T) {
	body := `{"question": "` + strings.Repeat("a", 256) + `"}`
	req := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	var target model.OneshotRequest
	err := decodeJSON(httptest.NewRecorder(), req, &target, 16)
	require.Error(t, err)

	rec := httptest.NewRecorder()
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInput, apiErr.Error.Code)
}

func TestHandleDecodeErrorMalformedBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{`))
	var target model.OneshotRequest
	err := decodeJSON(httptest.NewRecorder(), req, &target, 1<<20)
	require.Error(t, err)

	rec := httptest.NewRecorder()
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// gateErr mirrors how the orchestrator surfaces verdicts: the verdict error
// wrapped once more with the stable reason string.
func gateErr(sentinel error, reason string) error {
	return fmt.Errorf("%w: %s", sentinel, reason)
}

func TestMapError(t *testing.T) {
	tableErr := gateErr(
		fmt.Errorf("%w: STAFF_SALARIES", sqlgate.ErrTableScope),
		sqlgate.ReasonTablePrefix+"STAFF_SALARIES")
	joinErr := gateErr(
		fmt.Errorf("%w: 7 joins, limit 5", sqlgate.ErrJoinLimit),
		sqlgate.ReasonJoinLimit)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string // empty: message not asserted
	}{
		{"empty question", orchestrator.ErrEmptyQuestion, http.StatusBadRequest, model.ErrCodeInput, "question is required"},
		{"ack required", orchestrator.ErrAckRequired, http.StatusBadRequest, model.ErrCodeInput, "user_ack is required"},
		{"empty sql", orchestrator.ErrEmptySQL, http.StatusBadRequest, model.ErrCodeInput, ""},
		{"invalid cohort params", fmt.Errorf("%w: age_threshold", cohort.ErrInvalidParams), http.StatusBadRequest, model.ErrCodeInput, ""},
		{"cohort name required", cohort.ErrNoName, http.StatusBadRequest, model.ErrCodeInput, ""},
		{"not a pdf", pdfcohort.ErrNotPDF, http.StatusBadRequest, model.ErrCodeInput, ""},
		{"unknown qid", fmt.Errorf("%w: q-1", orchestrator.ErrUnknownQID), http.StatusNotFound, model.ErrCodeNotFound, "unknown qid: q-1"},
		{"store miss", store.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound, ""},
		{"budget ceiling", fmt.Errorf("%w: 1100/1000 KRW", audit.ErrBudgetExceeded), http.StatusTooManyRequests, model.ErrCodeBudgetExceeded, ""},
		{"write operation", gateErr(sqlgate.ErrWriteOperation, sqlgate.ReasonWrite), http.StatusForbidden, model.ErrCodePolicy, sqlgate.ReasonWrite},
		{"table scope", tableErr, http.StatusForbidden, model.ErrCodeTableScope, "Table not allowed: STAFF_SALARIES"},
		{"not select", gateErr(sqlgate.ErrNotSelect, sqlgate.ReasonNotSelect), http.StatusBadRequest, model.ErrCodeUnsupported, sqlgate.ReasonNotSelect},
		{"join limit", joinErr, http.StatusBadRequest, model.ErrCodeUnsupported, sqlgate.ReasonJoinLimit},
		{"where required", gateErr(sqlgate.ErrWhereRequired, sqlgate.ReasonWhereRequired), http.StatusBadRequest, model.ErrCodePolicy, sqlgate.ReasonWhereRequired},
		{"multi statement", gateErr(sqlgate.ErrMultiStatement, sqlgate.ReasonMultiStmt), http.StatusBadRequest, model.ErrCodePolicy, sqlgate.ReasonMultiStmt},
		{"for update", gateErr(sqlgate.ErrForUpdate, sqlgate.ReasonForUpdate), http.StatusBadRequest, model.ErrCodePolicy, sqlgate.ReasonForUpdate},
		{"oracle not select", oracle.ErrNotSelect, http.StatusBadRequest, model.ErrCodeUnsupported, ""},
		{"oracle timeout", fmt.Errorf("oracle: run: %w", oracle.ErrTimeout), http.StatusBadRequest, model.ErrCodeTimeout, ""},
		{"oracle down", oracle.ErrDisconnected, http.StatusServiceUnavailable, model.ErrCodeDriver, ""},
		{"agent failure", fmt.Errorf("%w: engineer: provider 500", orchestrator.ErrUpstream), http.StatusBadGateway, model.ErrCodeUpstream, ""},
		{"bad agent reply", llm.ErrBadAgentReply, http.StatusBadGateway, model.ErrCodeUpstream, ""},
		{"no llm configured", pdfcohort.ErrNoClient, http.StatusBadGateway, model.ErrCodeUpstream, ""},
		{"unmatched", errors.New("disk full"), http.StatusInternalServerError, model.ErrCodeInternal, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, msg := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, msg)
			}
		})
	}
}

func TestReasonAfter(t *testing.T) {
	err := fmt.Errorf("%w: q-77", orchestrator.ErrUnknownQID)
	assert.Equal(t, "q-77", reasonAfter(err, orchestrator.ErrUnknownQID))
	assert.Empty(t, reasonAfter(orchestrator.ErrUnknownQID, orchestrator.ErrUnknownQID))
}

func TestTableScopeReason(t *testing.T) {
	err := gateErr(
		fmt.Errorf("%w: OMICS", sqlgate.ErrTableScope),
		sqlgate.ReasonTablePrefix+"OMICS")
	assert.Equal(t, "Table not allowed: OMICS", tableScopeReason(err))
	assert.Equal(t, "Table not allowed", tableScopeReason(sqlgate.ErrTableScope))
}
