package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore persists documents in MongoDB, one collection per logical
// collection name. Document layout: {_id: key, ...fields of the value}.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// NewMongoStore connects to MongoDB and pings the primary.
func NewMongoStore(ctx context.Context, uri, dbName string, logger *slog.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}

	return &MongoStore{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store: disconnect mongo: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", collection, key, err)
	}
	return docJSON(doc)
}

func (s *MongoStore) Set(ctx context.Context, collection, key string, val any) error {
	doc, err := toBSON(val)
	if err != nil {
		return fmt.Errorf("store: set %s/%s: %w", collection, key, err)
	}
	doc["_id"] = key

	opts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": key}, doc, opts); err != nil {
		return fmt.Errorf("store: set %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, filter map[string]any) (json.RawMessage, error) {
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, q).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find in %s: %w", collection, err)
	}
	return docJSON(doc)
}

func (s *MongoStore) Delete(ctx context.Context, collection, key string) error {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", collection, key, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	cur, err := s.db.Collection(collection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	out := make(map[string]json.RawMessage)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: list %s: decode: %w", collection, err)
		}
		key, _ := doc["_id"].(string)
		raw, err := docJSON(doc)
		if err != nil {
			return nil, err
		}
		out[key] = raw
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}
	return out, nil
}

func (s *MongoStore) Healthy(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("store: mongo unhealthy: %w", err)
	}
	return nil
}

// toBSON converts any JSON-marshalable value into a bson.M so its fields
// are natively queryable.
func toBSON(val any) (bson.M, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("value is not a JSON object: %w", err)
	}
	return doc, nil
}

// docJSON strips the _id and re-marshals the document to JSON.
func docJSON(doc bson.M) (json.RawMessage, error) {
	delete(doc, "_id")
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("store: marshal document: %w", err)
	}
	return data, nil
}
