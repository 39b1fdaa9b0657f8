package vault

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoRecord indicates the store holds nothing for the requested pair.
var ErrNoRecord = errors.New("no stored record")

// Store is the persistence boundary for credential records. Implementations
// must be safe for concurrent readers; the session/message persistence layer
// proper lives outside this module.
type Store interface {
	Put(record Record) (Record, error)
	Get(userID, provider string) (Record, error)
	Delete(userID, provider string) error
	List(userID string) ([]Record, error)
}

type storeKey struct {
	userID   string
	provider string
}

// MemoryStore is an in-process Store keeping envelopes in a mutex-guarded
// map. Suitable for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[storeKey]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[storeKey]Record)}
}

// Put upserts a record, preserving the original creation timestamp on
// replacement.
func (s *MemoryStore) Put(record Record) (Record, error) {
	key := storeKey{userID: record.UserID, provider: record.Provider}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		record.CreatedAt = existing.CreatedAt
	}
	s.records[key] = record
	return record, nil
}

func (s *MemoryStore) Get(userID, provider string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[storeKey{userID: userID, provider: provider}]
	if !ok {
		return Record{}, ErrNoRecord
	}
	return record, nil
}

func (s *MemoryStore) Delete(userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey{userID: userID, provider: provider}
	if _, ok := s.records[key]; !ok {
		return ErrNoRecord
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) List(userID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, record := range s.records {
		if key.userID == userID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
