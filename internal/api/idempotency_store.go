package api

import "sync"

// IdemRecord binds a client Idempotency-Key to the verdict it created.
type IdemRecord struct {
	IdemKey   string
	VerdictID string
}

type IdemStore interface {
	Get(idemKey string) (IdemRecord, bool)
	Put(record IdemRecord)
}

type InMemoryIdemStore struct {
	mu    sync.Mutex
	items map[string]IdemRecord
}

func NewInMemoryIdemStore() *InMemoryIdemStore {
	return &InMemoryIdemStore{items: make(map[string]IdemRecord)}
}

func (s *InMemoryIdemStore) Get(idemKey string) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[idemKey]
	return rec, ok
}

func (s *InMemoryIdemStore) Put(record IdemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[record.IdemKey] = record
}
