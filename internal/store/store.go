// Package store provides the document store used for saved cohorts, user
// settings, and cost state. The primary backend is MongoDB; FileStore is
// the zero-dependency fallback for local and demo deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// Collection names shared by all backends.
const (
	ColSavedCohorts = "saved_cohorts"
	ColSettings     = "settings"
	ColCostState    = "cost_state"
	ColQueryLog     = "query_log"
	ColPdfCohorts   = "pdf_cohorts"
)

// Store is a small keyed-document interface. Values are JSON documents;
// backends may store them natively (Mongo) or as files (FileStore).
type Store interface {
	// Get returns the document stored under key, or ErrNotFound.
	Get(ctx context.Context, collection, key string) (json.RawMessage, error)

	// Set marshals val and upserts it under key.
	Set(ctx context.Context, collection, key string, val any) error

	// FindOne returns the first document whose top-level fields match every
	// filter entry, or ErrNotFound.
	FindOne(ctx context.Context, collection string, filter map[string]any) (json.RawMessage, error)

	// Delete removes the document under key. Missing documents return
	// ErrNotFound.
	Delete(ctx context.Context, collection, key string) error

	// List returns all documents in the collection keyed by document key.
	List(ctx context.Context, collection string) (map[string]json.RawMessage, error)

	// Healthy reports backend reachability.
	Healthy(ctx context.Context) error
}
