package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/store"
)

// ErrNoName marks a save request without a cohort name.
var ErrNoName = errors.New("cohort: name required")

// Saved persists named parameter sets through the document store.
type Saved struct {
	docs store.Store
}

// NewSaved wraps a document store.
func NewSaved(docs store.Store) *Saved {
	return &Saved{docs: docs}
}

// Save normalizes and upserts one named parameter set. CreatedAt is
// stamped when the caller leaves it empty.
func (s *Saved) Save(ctx context.Context, c model.SavedCohort) (model.SavedCohort, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return model.SavedCohort{}, ErrNoName
	}
	c.Params.Normalize()
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := s.docs.Set(ctx, store.ColSavedCohorts, c.Name, c); err != nil {
		return model.SavedCohort{}, fmt.Errorf("cohort: save %q: %w", c.Name, err)
	}
	return c, nil
}

// Get loads one saved cohort. Missing names return store.ErrNotFound.
func (s *Saved) Get(ctx context.Context, name string) (model.SavedCohort, error) {
	raw, err := s.docs.Get(ctx, store.ColSavedCohorts, name)
	if err != nil {
		return model.SavedCohort{}, err
	}
	var c model.SavedCohort
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.SavedCohort{}, fmt.Errorf("cohort: decode %q: %w", name, err)
	}
	return c, nil
}

// List returns every saved cohort sorted by name.
func (s *Saved) List(ctx context.Context) ([]model.SavedCohort, error) {
	docs, err := s.docs.List(ctx, store.ColSavedCohorts)
	if err != nil {
		return nil, fmt.Errorf("cohort: list saved: %w", err)
	}
	out := make([]model.SavedCohort, 0, len(docs))
	for name, raw := range docs {
		var c model.SavedCohort
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("cohort: decode %q: %w", name, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes one saved cohort. Missing names return store.ErrNotFound.
func (s *Saved) Delete(ctx context.Context, name string) error {
	return s.docs.Delete(ctx, store.ColSavedCohorts, name)
}
