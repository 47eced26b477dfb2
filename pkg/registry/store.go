package registry

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence behind a Registry.
type Store interface {
	// Get returns the delegate for key; ok is false when none is registered.
	Get(ctx context.Context, key Key) (delegate string, ok bool, err error)
	// InsertIfAbsent records delegate for key. inserted is false, and the
	// existing entry untouched, when key is already registered.
	InsertIfAbsent(ctx context.Context, key Key, delegate string) (inserted bool, err error)
	// List returns up to limit records in ascending key order, strictly after
	// the given key when after is non-nil.
	List(ctx context.Context, after *Key, limit int) ([]Record, error)
	// Count returns the number of records.
	Count(ctx context.Context) (int64, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process Store. Records are kept sorted by key.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// search returns the index of the first record whose key is not less than key.
func (s *MemoryStore) search(key Key) int {
	return sort.Search(len(s.records), func(i int) bool {
		return !s.records[i].Key().Less(key)
	})
}

func (s *MemoryStore) Get(_ context.Context, key Key) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.search(key)
	if i < len(s.records) && s.records[i].Key() == key {
		return s.records[i].Delegate, true, nil
	}
	return "", false, nil
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, key Key, delegate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.search(key)
	if i < len(s.records) && s.records[i].Key() == key {
		return false, nil
	}
	rec := Record{Delegate: delegate, Connection: key.ConnectionID, Port: key.PortID, Principal: key.Principal}
	s.records = append(s.records, Record{})
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = rec
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, after *Key, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if after != nil {
		start = s.search(*after)
		if start < len(s.records) && s.records[start].Key() == *after {
			start++
		}
	}
	end := start + limit
	if end > len(s.records) {
		end = len(s.records)
	}
	out := make([]Record, 0, end-start)
	return append(out, s.records[start:end]...), nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}
