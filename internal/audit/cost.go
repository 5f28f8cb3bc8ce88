package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashita-ai/karte/internal/store"
)

// ErrBudgetExceeded is returned by Charge when the cumulative cost has
// reached the configured limit. Matched with errors.Is by the HTTP layer
// (429) and the orchestrator (stop calling agents).
var ErrBudgetExceeded = errors.New("audit: budget exceeded")

// costStateKey is the document key under store.ColCostState.
const costStateKey = "current"

// costWindowSize bounds the retained per-call event window.
const costWindowSize = 200

// CostEvent is one priced LLM call.
type CostEvent struct {
	TS           time.Time `json:"ts"`
	Agent        string    `json:"agent"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	KRW          float64   `json:"krw"`
}

// CostState is the persisted shape of the tracker.
type CostState struct {
	TotalKRW     float64     `json:"total_krw"`
	WindowEvents []CostEvent `json:"window_events"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// CostTracker accumulates KRW spend from reported token usage and gates new
// work against the budget. All mutation happens under one mutex so the
// "never exceed limit" invariant holds under concurrent requests. State is
// persisted to a JSON file on every change and mirrored to the document
// store when one is configured.
type CostTracker struct {
	path      string
	limitKRW  float64
	costPer1K float64
	docs      store.Store // nil = file only
	logger    *slog.Logger

	mu    sync.Mutex
	state CostState
}

// NewCostTracker loads prior state from path (file wins over the store
// mirror; the mirror exists for dashboards, not recovery).
func NewCostTracker(path string, limitKRW, costPer1K float64, docs store.Store, logger *slog.Logger) (*CostTracker, error) {
	t := &CostTracker{
		path:      path,
		limitKRW:  limitKRW,
		costPer1K: costPer1K,
		docs:      docs,
		logger:    logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh state.
	case err != nil:
		return nil, fmt.Errorf("audit: read cost state: %w", err)
	default:
		if err := json.Unmarshal(data, &t.state); err != nil {
			return nil, fmt.Errorf("audit: parse cost state: %w", err)
		}
	}
	return t, nil
}

// CheckBudget reports whether another agent call may start. Called before
// each LLM call so an exhausted budget short-circuits the pipeline instead
// of failing halfway through.
func (t *CostTracker) CheckBudget() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limitKRW > 0 && t.state.TotalKRW >= t.limitKRW {
		return fmt.Errorf("%w: %.0f/%.0f KRW", ErrBudgetExceeded, t.state.TotalKRW, t.limitKRW)
	}
	return nil
}

// Charge prices the reported usage and adds it to the running total. Input
// and output tokens are priced alike at costPer1K. The charge is recorded
// even when it crosses the limit (the call already happened); subsequent
// CheckBudget calls then reject.
func (t *CostTracker) Charge(ctx context.Context, agent string, inputTokens, outputTokens int) float64 {
	krw := float64(inputTokens+outputTokens) / 1000 * t.costPer1K

	t.mu.Lock()
	t.state.TotalKRW += krw
	t.state.UpdatedAt = time.Now().UTC()
	t.state.WindowEvents = append(t.state.WindowEvents, CostEvent{
		TS:           t.state.UpdatedAt,
		Agent:        agent,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		KRW:          krw,
	})
	if len(t.state.WindowEvents) > costWindowSize {
		t.state.WindowEvents = t.state.WindowEvents[len(t.state.WindowEvents)-costWindowSize:]
	}
	snapshot := t.state
	t.mu.Unlock()

	t.persist(ctx, snapshot)
	return krw
}

// Snapshot returns a copy of the current state.
func (t *CostTracker) Snapshot() CostState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.WindowEvents = append([]CostEvent(nil), t.state.WindowEvents...)
	return s
}

// TotalKRW returns the cumulative spend.
func (t *CostTracker) TotalKRW() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.TotalKRW
}

// persist writes the state file and mirrors to the document store.
// Best-effort on both paths: losing a cost snapshot is recoverable, failing
// a user request over it is not.
func (t *CostTracker) persist(ctx context.Context, s CostState) {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Warn("audit: cost state dir", "error", err)
		return
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		t.logger.Warn("audit: marshal cost state", "error", err)
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Warn("audit: write cost state", "error", err)
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.logger.Warn("audit: rename cost state", "error", err)
		return
	}

	if t.docs != nil {
		if err := t.docs.Set(ctx, store.ColCostState, costStateKey, s); err != nil {
			t.logger.Warn("audit: mirror cost state", "error", err)
		}
	}
}
