package rag

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/karte/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("rag: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("rag: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the doc_type payload index is present. CreateFieldIndex is
// idempotent on Qdrant, so it is always attempted.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("rag: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("rag: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"doc_type"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("rag: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// pointID derives the deterministic Qdrant point UUID for a document ID, so
// reindexing the same source record overwrites its point.
func pointID(docID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID))
}

// Upsert inserts or replaces documents.
func (q *QdrantIndex) Upsert(ctx context.Context, docs []IndexedDoc) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(d.Doc.ID).String()),
			Vectors: qdrant.NewVectorsDense(d.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"doc_id":   d.Doc.ID,
				"doc_type": string(d.Doc.Meta.Type),
			}),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("rag: qdrant upsert %d points: %w", len(docs), err)
	}
	return nil
}

// Search returns the k nearest documents of the given types by cosine
// similarity. The payload carries the stable doc_id; point UUIDs are
// derived and not meaningful to callers.
func (q *QdrantIndex) Search(ctx context.Context, embedding []float32, types []model.DocType, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	var filter *qdrant.Filter
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeywords("doc_type", names...)},
		}
	}

	limit := uint64(k) //nolint:gosec // k is a small positive config value
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayloadInclude("doc_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("rag: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		docID := sp.Payload["doc_id"].GetStringValue()
		if docID == "" {
			q.logger.Warn("qdrant: point without doc_id payload", "point", sp.Id.GetUuid())
			continue
		}
		hits = append(hits, Hit{DocID: docID, Score: sp.Score})
	}
	return hits, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after expiry are deduplicated via singleflight.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context. If that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("rag: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so it is wrapped in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
