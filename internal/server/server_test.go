package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/cohort"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/orchestrator"
	"github.com/ashita-ai/karte/internal/pdfcohort"
	"github.com/ashita-ai/karte/internal/server"
	"github.com/ashita-ai/karte/internal/sqlgate"
	"github.com/ashita-ai/karte/internal/sqlrewrite"
	"github.com/ashita-ai/karte/internal/store"
	"github.com/ashita-ai/karte/internal/viz"
)

// scriptedClient dispatches on the agent system prompt so one fake drives
// the whole chain. Default replies produce a valid pipeline run.
type scriptedClient struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]string
	fail    map[string]error
}

func agentKey(system string) string {
	switch {
	case strings.Contains(system, "translate Korean"):
		return "translator"
	case strings.Contains(system, "screen clinical"):
		return "clarifier"
	case strings.Contains(system, "analytic intent"):
		return "planner"
	case strings.Contains(system, "senior reviewer"):
		return "expert"
	case strings.Contains(system, "fix Oracle SQL"):
		return "repair"
	default:
		return "engineer"
	}
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	key := agentKey(req.System)
	c.mu.Lock()
	c.calls = append(c.calls, key)
	c.mu.Unlock()

	if err := c.fail[key]; err != nil {
		return llm.Response{}, err
	}
	if reply, ok := c.replies[key]; ok {
		return llm.Response{Content: reply, InputTokens: 25, OutputTokens: 10}, nil
	}

	var reply string
	switch key {
	case "translator":
		reply = `{"english": "How many elderly patients were readmitted?"}`
	case "clarifier":
		reply = `{"needs_clarification": false}`
	case "planner":
		reply = `{"cohort": "elderly patients", "metric": "readmission count"}`
	case "expert", "engineer", "repair":
		reply = `{"final_sql": "SELECT COUNT(*) AS CNT FROM ADMISSIONS", "used_tables": ["ADMISSIONS"]}`
	}
	return llm.Response{Content: reply, InputTokens: 25, OutputTokens: 10}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// stubRunner serves both query execution and the cohort bundle: bundle
// statements dispatch on their column aliases, everything else gets the
// canned count row.
type stubRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *stubRunner) Run(_ context.Context, sql string) (model.Table, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sql)
	f.mu.Unlock()

	switch {
	case strings.Contains(sql, "AS PATIENT_COUNT"):
		return model.Table{
			Columns: []string{"PATIENT_COUNT", "ADMISSION_COUNT", "READMIT_RATE", "READMIT_30D_RATE",
				"READMIT_7D_RATE", "MORTALITY_RATE", "LOS_MEAN", "LOS_MEDIAN", "LOS_STDDEV",
				"LONG_STAY_RATE", "ICU_ADMISSION_RATE", "ER_ENTRY_RATE"},
			Rows: []map[string]any{{
				"PATIENT_COUNT": 1200.0, "ADMISSION_COUNT": 1500.0,
				"READMIT_RATE": 0.18, "READMIT_30D_RATE": 0.15, "READMIT_7D_RATE": 0.05,
				"MORTALITY_RATE": 0.12, "LOS_MEAN": 6.4, "LOS_MEDIAN": 5.0, "LOS_STDDEV": 4.2,
				"LONG_STAY_RATE": 0.30, "ICU_ADMISSION_RATE": 0.8, "ER_ENTRY_RATE": 0.55,
			}},
		}, nil
	case strings.Contains(sql, "AS BUCKET"):
		return model.Table{
			Columns: []string{"BUCKET", "DEATHS", "CENSORED"},
			Rows: []map[string]any{
				{"BUCKET": 0.0, "DEATHS": 30.0, "CENSORED": 200.0},
				{"BUCKET": 1.0, "DEATHS": 20.0, "CENSORED": 150.0},
				{"BUCKET": 4.0, "DEATHS": 10.0, "CENSORED": 300.0},
				{"BUCKET": 11.0, "DEATHS": 5.0, "CENSORED": 785.0},
			},
		}, nil
	case strings.Contains(sql, "AS SUBGROUP"):
		return model.Table{
			Columns: []string{"SUBGROUP", "N", "METRIC"},
			Rows: []map[string]any{
				{"SUBGROUP": "A", "N": 700.0, "METRIC": 0.17},
				{"SUBGROUP": "B", "N": 800.0, "METRIC": 0.19},
			},
		}, nil
	default:
		return model.Table{
			Columns: []string{"CNT"},
			Rows:    []map[string]any{{"CNT": 42.0}},
		}, nil
	}
}

type fixtureCfg struct {
	orch         orchestrator.Config
	costLimitKRW float64
}

type fixture struct {
	ts     *httptest.Server
	client *scriptedClient
	runner *stubRunner
	costs  *audit.CostTracker
}

func newTestServer(t *testing.T, opts ...func(*fixtureCfg)) *fixture {
	t.Helper()

	cfg := fixtureCfg{orch: orchestrator.Config{DemoMode: true, MaxRetryAttempts: 2}}
	for _, o := range opts {
		o(&cfg)
	}

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	demoPath := filepath.Join(dir, "demo_cache.json")
	writeDemoCache(t, demoPath)
	demo, err := orchestrator.LoadDemoCache(demoPath)
	require.NoError(t, err)

	auditLog, err := audit.NewLog(filepath.Join(dir, "events.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	costs, err := audit.NewCostTracker(filepath.Join(dir, "cost_state.json"), cfg.costLimitKRW, 1.2, nil, logger)
	require.NoError(t, err)

	client := &scriptedClient{replies: map[string]string{}, fail: map[string]error{}}
	runner := &stubRunner{}

	orch := orchestrator.New(cfg.orch, orchestrator.Deps{
		Agents:   llm.NewAgents(client, nil),
		Rewriter: sqlrewrite.New(1000),
		Gate:     sqlgate.New(5, sqlgate.DefaultTables()),
		Runner:   runner,
		Demo:     demo,
		Records:  orchestrator.NewRecordStore(),
		Audit:    auditLog,
		Costs:    costs,
		Logger:   logger,
	})

	docs, err := store.NewFileStore(filepath.Join(dir, "docs"))
	require.NoError(t, err)

	catalog := metadata.NewCatalog("")
	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Orchestrator: orch,
			CohortEngine: cohort.NewEngine(runner, catalog, logger),
			Saved:        cohort.NewSaved(docs),
			Planner:      viz.NewPlanner(nil, nil, logger),
			PDF: pdfcohort.New(pdfcohort.Deps{
				Catalog: catalog,
				Runner:  runner,
				Logger:  logger,
			}),
			AuditLog: auditLog,
			Costs:    costs,
			Docs:     docs,
			Logger:   logger,
			Version:  "test",
		},
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, client: client, runner: runner, costs: costs}
}

func writeDemoCache(t *testing.T, path string) {
	t.Helper()
	entries := map[string]orchestrator.DemoEntry{
		"How many ICU patients are there?": {
			Label: "ICU patient count",
			SQL:   "SELECT COUNT(DISTINCT SUBJECT_ID) AS CNT FROM ICUSTAYS",
			Result: model.Table{
				Columns: []string{"CNT"},
				Rows:    []map[string]any{{"CNT": 73181.0}},
			},
		},
	}
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

// decodeData unwraps the success envelope.
func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env), "body: %s", string(raw))
	return env.Data
}

// decodeError unwraps the failure envelope.
func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env model.APIError
	require.NoError(t, json.Unmarshal(raw, &env), "body: %s", string(raw))
	return env.Error
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "connected", health.Store)
	assert.Empty(t, health.Oracle, "no executor wired in this fixture")
}

func TestOneshotThenRunFlow(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/query/oneshot", model.OneshotRequest{
		Question: "How many elderly patients were readmitted?",
		UserName: "dr.kim", UserRole: "clinician",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	one := decodeData[model.OneshotResponse](t, resp)
	require.NotEmpty(t, one.QID)
	assert.Equal(t, model.ModeAdvanced, one.Payload.Mode)
	assert.Contains(t, one.Payload.Final, "SELECT COUNT(*)")
	assert.Empty(t, f.runner.calls, "oneshot must not execute")

	resp2, err := http.Get(f.ts.URL + "/query/get?qid=" + one.QID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	rec := decodeData[model.QueryRecord](t, resp2)
	assert.Equal(t, one.Payload.Final, rec.Final)
	assert.Equal(t, "dr.kim", rec.User.Name)

	resp3 := postJSON(t, f.ts.URL+"/query/run", model.RunRequest{QID: one.QID, UserAck: true})
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	run := decodeData[model.RunResponse](t, resp3)
	assert.Equal(t, one.Payload.Final, run.SQL)
	require.Len(t, run.Result.Rows, 1)
	assert.True(t, run.Policy.Allowed)
}

func TestOneshotValidationErrors(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/query/oneshot", model.OneshotRequest{Question: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInput, decodeError(t, resp).Code)

	resp2, err := http.Post(f.ts.URL+"/query/oneshot", "application/json",
		strings.NewReader(`{"question": "q", "bogus": true}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	detail := decodeError(t, resp2)
	assert.Equal(t, model.ErrCodeInput, detail.Code)
	assert.Contains(t, detail.Message, "bogus")
}

func TestPolicyGateSurface(t *testing.T) {
	f := newTestServer(t)
	question := model.OneshotRequest{Question: "How many elderly patients were readmitted?"}

	// Agent-produced writes are forbidden.
	f.client.replies["engineer"] = `{"final_sql": "DELETE FROM ADMISSIONS"}`
	resp := postJSON(t, f.ts.URL+"/query/oneshot", question)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodePolicy, detail.Code)
	assert.Equal(t, sqlgate.ReasonWrite, detail.Message)

	// Tables outside the MIMIC-IV scope are forbidden, and the offending
	// table is named.
	f.client.replies["engineer"] = `{"final_sql": "SELECT * FROM STAFF_SALARIES WHERE DEPT = 'ICU'"}`
	resp2 := postJSON(t, f.ts.URL+"/query/oneshot", question)
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	detail2 := decodeError(t, resp2)
	assert.Equal(t, model.ErrCodeTableScope, detail2.Code)
	assert.Equal(t, "Table not allowed: STAFF_SALARIES", detail2.Message)

	// Raw non-SELECT on /query/run is unsupported, not a policy breach.
	resp3 := postJSON(t, f.ts.URL+"/query/run", model.RunRequest{SQL: "DROP TABLE PATIENTS", UserAck: true})
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
	detail3 := decodeError(t, resp3)
	assert.Equal(t, model.ErrCodeUnsupported, detail3.Code)
	assert.Equal(t, sqlgate.ReasonNotSelect, detail3.Message)
	assert.Empty(t, f.runner.calls)
}

func TestRunRequiresAck(t *testing.T) {
	f := newTestServer(t)
	resp := postJSON(t, f.ts.URL+"/query/run", model.RunRequest{SQL: "SELECT 1 FROM DUAL"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInput, decodeError(t, resp).Code)
}

func TestGetQueryUnknownQID(t *testing.T) {
	f := newTestServer(t)
	resp, err := http.Get(f.ts.URL + "/query/get?qid=q-missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Code)
}

func TestDemoFlow(t *testing.T) {
	f := newTestServer(t)

	resp, err := http.Get(f.ts.URL + "/query/demo/questions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	qs := decodeData[model.DemoQuestionsResponse](t, resp)
	assert.Equal(t, []string{"ICU patient count"}, qs.Questions)

	// Punctuation-insensitive cache hit, served without any agent call.
	resp2 := postJSON(t, f.ts.URL+"/query/oneshot", model.OneshotRequest{
		Question: "how many icu patients are there",
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	one := decodeData[model.OneshotResponse](t, resp2)
	assert.Equal(t, model.ModeDemo, one.Payload.Mode)
	assert.Equal(t, "ICU patient count", one.Payload.Label)
	require.NotNil(t, one.Payload.Result)
	assert.Len(t, one.Payload.Result.Rows, 1)
	assert.Zero(t, f.client.callCount())
}

func TestUpstreamFailureSurfaces502(t *testing.T) {
	f := newTestServer(t)
	f.client.fail["engineer"] = errors.New("provider 500")

	resp := postJSON(t, f.ts.URL+"/query/oneshot", model.OneshotRequest{
		Question: "How many elderly patients were readmitted?",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUpstream, decodeError(t, resp).Code)
}

func TestBudgetCeilingSurfaces429(t *testing.T) {
	f := newTestServer(t, func(c *fixtureCfg) { c.costLimitKRW = 1 })
	f.costs.Charge(context.Background(), "engineer", 900, 200) // 1.32 KRW at 1.2/1k

	resp := postJSON(t, f.ts.URL+"/query/oneshot", model.OneshotRequest{
		Question: "How many elderly patients were readmitted?",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeBudgetExceeded, decodeError(t, resp).Code)
}

func TestVisualizeMonthlyTrend(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/visualize", model.VisualizeRequest{
		UserQuery: "monthly ICU mortality trend",
		SQL:       "SELECT ICU_ADMIT_MONTH, MORTALITY_RATE FROM V",
		Columns:   []string{"ICU_ADMIT_MONTH", "MORTALITY_RATE"},
		Rows: []map[string]any{
			{"ICU_ADMIT_MONTH": "2150-01", "MORTALITY_RATE": 0.12},
			{"ICU_ADMIT_MONTH": "2150-02", "MORTALITY_RATE": 0.15},
			{"ICU_ADMIT_MONTH": "2150-03", "MORTALITY_RATE": 0.11},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vz := decodeData[model.VisualizationResponse](t, resp)
	require.NotEmpty(t, vz.Analyses)
	assert.False(t, vz.FallbackUsed)
	assert.Equal(t, model.ChartLine, vz.Analyses[0].Spec.ChartType)
	assert.Contains(t, vz.Analyses[0].HTML, "echarts")
	assert.Equal(t, 3, vz.TablePreview.Len())
}

func TestVisualizeEmptyRowsDegrades(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/visualize", model.VisualizeRequest{
		UserQuery: "show patients",
		Columns:   []string{"SUBJECT_ID"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vz := decodeData[model.VisualizationResponse](t, resp)
	assert.Empty(t, vz.Analyses)
	assert.True(t, vz.FallbackUsed)
	assert.NotEmpty(t, vz.Insight)
}

func TestCohortSimulate(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/cohort/simulate", model.CohortSimulateRequest{
		Params: model.DefaultCohortParams(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeData[model.CohortResult](t, resp)
	assert.Equal(t, 1200, res.Snapshot.PatientCount)
	assert.Len(t, res.Survival, len(cohort.DayCuts))
	assert.NotEmpty(t, res.Subgroups)
	assert.NotEmpty(t, res.Confidence.Metrics)
}

func TestCohortSimulateRejectsBadParams(t *testing.T) {
	f := newTestServer(t)

	bad := model.DefaultCohortParams()
	bad.AgeThreshold = 150
	resp := postJSON(t, f.ts.URL+"/cohort/simulate", model.CohortSimulateRequest{Params: bad})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInput, decodeError(t, resp).Code)
}

func TestCohortSQLBundle(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/cohort/sql", model.CohortSQLRequest{
		Params: model.DefaultCohortParams(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[struct {
		SQL map[string]string `json:"sql"`
	}](t, resp)
	assert.Contains(t, got.SQL, cohort.KeyMetrics)
	assert.Contains(t, got.SQL, cohort.KeyLifeTable)
	assert.Contains(t, got.SQL[cohort.KeyCohortCTE], "WITH")
	assert.Empty(t, f.runner.calls, "the bundle endpoint must not execute")
}

func TestSavedCohortCRUD(t *testing.T) {
	f := newTestServer(t)
	base := f.ts.URL + "/cohort/saved"

	resp := postJSON(t, base, model.SavedCohort{
		Name: "elderly-icu", Params: model.DefaultCohortParams(), Note: "baseline",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	saved := decodeData[model.SavedCohort](t, resp)
	assert.NotEmpty(t, saved.CreatedAt)

	resp2, err := http.Get(base)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	list := decodeData[[]model.SavedCohort](t, resp2)
	require.Len(t, list, 1)
	assert.Equal(t, "elderly-icu", list[0].Name)

	resp3, err := http.Get(base + "/elderly-icu")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	got := decodeData[model.SavedCohort](t, resp3)
	assert.Equal(t, "baseline", got.Note)

	req, err := http.NewRequest(http.MethodDelete, base+"/elderly-icu", nil)
	require.NoError(t, err)
	resp4, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp4.StatusCode)
	_ = resp4.Body.Close()

	resp5, err := http.Get(base + "/elderly-icu")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp5.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp5).Code)

	resp6 := postJSON(t, base, model.SavedCohort{Params: model.DefaultCohortParams()})
	assert.Equal(t, http.StatusBadRequest, resp6.StatusCode)
	assert.Equal(t, model.ErrCodeInput, decodeError(t, resp6).Code)
}

func TestPDFCohortRejectsNonPDF(t *testing.T) {
	f := newTestServer(t)

	resp, err := http.Post(f.ts.URL+"/cohort/pdf", "application/pdf",
		strings.NewReader("plain text, not a document"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInput, decodeError(t, resp).Code)
}

func TestAuditLogs(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts.URL+"/query/oneshot", model.OneshotRequest{
		Question: "How many elderly patients were readmitted?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp2, err := http.Get(f.ts.URL + "/audit/logs?limit=10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	logs := decodeData[model.AuditLogResponse](t, resp2)
	require.NotEmpty(t, logs.Events)
	assert.Equal(t, len(logs.Events), logs.Stats.Total)
	assert.Equal(t, "oneshot", logs.Events[len(logs.Events)-1].Type)
	assert.Equal(t, model.AuditSuccess, logs.Events[len(logs.Events)-1].Status)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newTestServer(t)
	resp, err := http.Get(f.ts.URL + "/query/oneshot")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
