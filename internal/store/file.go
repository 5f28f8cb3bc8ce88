package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
)

// FileStore persists each collection as one JSON file under dir. Writes go
// through a temp file and an atomic rename so a crash never leaves a
// half-written collection behind. A single process mutex serializes all
// access; the store is not safe for multi-process use.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *FileStore) read(collection string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(collection))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", collection, err)
	}
	docs := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("store: parse %s: %w", collection, err)
		}
	}
	return docs, nil
}

func (s *FileStore) write(collection string, docs map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", collection, err)
	}

	path := s.path(collection)
	tmp, err := os.CreateTemp(s.dir, collection+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: temp file for %s: %w", collection, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", collection, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename %s: %w", collection, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, collection, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.read(collection)
	if err != nil {
		return nil, err
	}
	doc, ok := docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *FileStore) Set(_ context.Context, collection, key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", collection, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.read(collection)
	if err != nil {
		return err
	}
	docs[key] = data
	return s.write(collection, docs)
}

func (s *FileStore) FindOne(_ context.Context, collection string, filter map[string]any) (json.RawMessage, error) {
	// Normalize filter values through a JSON round trip so numeric types
	// compare equal to the float64s json.Unmarshal produces.
	normalized := make(map[string]any, len(filter))
	for k, v := range filter {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("store: marshal filter %s: %w", k, err)
		}
		var nv any
		if err := json.Unmarshal(data, &nv); err != nil {
			return nil, fmt.Errorf("store: normalize filter %s: %w", k, err)
		}
		normalized[k] = nv
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.read(collection)
	if err != nil {
		return nil, err
	}
	for _, raw := range docs {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		match := true
		for k, want := range normalized {
			if got, ok := doc[k]; !ok || !reflect.DeepEqual(got, want) {
				match = false
				break
			}
		}
		if match {
			return raw, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.read(collection)
	if err != nil {
		return err
	}
	if _, ok := docs[key]; !ok {
		return ErrNotFound
	}
	delete(docs, key)
	return s.write(collection, docs)
}

func (s *FileStore) List(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(collection)
}

func (s *FileStore) Healthy(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("store: state dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store: %s is not a directory", s.dir)
	}
	return nil
}
