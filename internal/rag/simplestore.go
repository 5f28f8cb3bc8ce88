package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ashita-ai/karte/internal/model"
)

// SimpleStore is the embedded fallback index: vectors in memory, cosine
// scan on search, persisted as a single JSON file so demo deployments
// survive restarts without Qdrant.
type SimpleStore struct {
	path string

	mu     sync.RWMutex
	points map[string]simplePoint
}

type simplePoint struct {
	DocID  string        `json:"doc_id"`
	Type   model.DocType `json:"doc_type"`
	Vector []float32     `json:"vector"`
}

type simpleFile struct {
	Points []simplePoint `json:"points"`
}

// NewSimpleStore loads the persisted store at path, if present. An empty
// path keeps the store memory-only.
func NewSimpleStore(path string) (*SimpleStore, error) {
	s := &SimpleStore{path: path, points: make(map[string]simplePoint)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rag: read simple store: %w", err)
	}
	var f simpleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rag: parse simple store: %w", err)
	}
	for _, p := range f.Points {
		s.points[p.DocID] = p
	}
	return s, nil
}

// Upsert inserts or replaces documents and persists the store.
func (s *SimpleStore) Upsert(_ context.Context, docs []IndexedDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range docs {
		s.points[d.Doc.ID] = simplePoint{
			DocID:  d.Doc.ID,
			Type:   d.Doc.Meta.Type,
			Vector: d.Embedding,
		}
	}
	return s.persistLocked()
}

// persistLocked writes the store through a temp file and atomic rename.
func (s *SimpleStore) persistLocked() error {
	if s.path == "" {
		return nil
	}

	f := simpleFile{Points: make([]simplePoint, 0, len(s.points))}
	for _, p := range s.points {
		f.Points = append(f.Points, p)
	}
	sort.Slice(f.Points, func(i, j int) bool { return f.Points[i].DocID < f.Points[j].DocID })

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("rag: marshal simple store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rag: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "simple_store.*.tmp")
	if err != nil {
		return fmt.Errorf("rag: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("rag: write simple store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rag: close simple store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rag: rename simple store: %w", err)
	}
	return nil
}

// Search scans all points of the given types and returns the k most
// cosine-similar.
func (s *SimpleStore) Search(_ context.Context, embedding []float32, types []model.DocType, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	want := make(map[model.DocType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, p := range s.points {
		if len(want) > 0 {
			if _, ok := want[p.Type]; !ok {
				continue
			}
		}
		score := cosine(embedding, p.Vector)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{DocID: p.DocID, Score: float32(score)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of stored points.
func (s *SimpleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Healthy always succeeds; the store is in-process.
func (s *SimpleStore) Healthy(_ context.Context) error { return nil }

// Close is a no-op.
func (s *SimpleStore) Close() error { return nil }

// cosine returns the cosine similarity of two vectors, 0 when either has
// zero magnitude or lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
