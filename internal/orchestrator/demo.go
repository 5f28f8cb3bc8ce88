package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/ashita-ai/karte/internal/model"
)

// DemoEntry is one canned demo answer.
type DemoEntry struct {
	Label  string      `json:"label"`
	SQL    string      `json:"sql"`
	Result model.Table `json:"result"`
}

// DemoCache serves canned answers for the curated demo questions. Lookup
// tries the exact question first, then the canonical form. The cache is
// immutable after load, so no locking.
type DemoCache struct {
	exact     map[string]DemoEntry
	canonical map[string]DemoEntry
}

// LoadDemoCache reads the canonical-question map from path. A missing file
// yields an empty cache (demo mode just never hits).
func LoadDemoCache(path string) (*DemoCache, error) {
	c := &DemoCache{
		exact:     map[string]DemoEntry{},
		canonical: map[string]DemoEntry{},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read demo cache: %w", err)
	}

	var entries map[string]DemoEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("orchestrator: decode demo cache: %w", err)
	}
	for q, e := range entries {
		c.exact[q] = e
		c.canonical[CanonicalKey(q)] = e
	}
	return c, nil
}

// CanonicalKey lowercases, strips punctuation and symbols, and collapses
// whitespace, so trivial rephrasings of a demo question still hit.
func CanonicalKey(question string) string {
	var b strings.Builder
	b.Grow(len(question))
	space := false
	for _, r := range strings.ToLower(question) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Lookup returns the demo entry for a question, if any.
func (c *DemoCache) Lookup(question string) (DemoEntry, bool) {
	if e, ok := c.exact[question]; ok {
		return e, true
	}
	e, ok := c.canonical[CanonicalKey(question)]
	return e, ok
}

// Labels returns the sorted demo question labels for the picker endpoint.
func (c *DemoCache) Labels() []string {
	labels := make([]string, 0, len(c.exact))
	for _, e := range c.exact {
		labels = append(labels, e.Label)
	}
	sort.Strings(labels)
	return labels
}

// Len reports the number of distinct demo questions.
func (c *DemoCache) Len() int { return len(c.exact) }
