package orchestrator

import (
	"container/list"
	"sync"

	"github.com/ashita-ai/karte/internal/model"
)

// recordCap bounds the in-memory QID map; the oldest untouched record is
// evicted first.
const recordCap = 512

// RecordStore keeps QueryRecords between oneshot and run, keyed by QID with
// LRU eviction. Safe for concurrent use.
type RecordStore struct {
	mu    sync.Mutex
	cap   int
	order *list.List               // front = most recent
	byQID map[string]*list.Element // value: *model.QueryRecord
}

// NewRecordStore builds an empty store with the default capacity.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		cap:   recordCap,
		order: list.New(),
		byQID: make(map[string]*list.Element),
	}
}

// Put inserts or replaces a record and marks it most recent.
func (s *RecordStore) Put(rec model.QueryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byQID[rec.QID]; ok {
		el.Value = &rec
		s.order.MoveToFront(el)
		return
	}
	s.byQID[rec.QID] = s.order.PushFront(&rec)
	for s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.byQID, oldest.Value.(*model.QueryRecord).QID)
	}
}

// Get returns a copy of the record and refreshes its recency.
func (s *RecordStore) Get(qid string) (model.QueryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.byQID[qid]
	if !ok {
		return model.QueryRecord{}, false
	}
	s.order.MoveToFront(el)
	return *el.Value.(*model.QueryRecord), true
}

// Update applies fn to the stored record under the lock, if present.
func (s *RecordStore) Update(qid string, fn func(*model.QueryRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.byQID[qid]
	if !ok {
		return false
	}
	fn(el.Value.(*model.QueryRecord))
	s.order.MoveToFront(el)
	return true
}

// Len reports the number of live records.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
