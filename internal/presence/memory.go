package presence

import (
	"context"
	"sync"
	"time"
)

/*
MemoryStore is a mutex-based in-memory Store.  It is used when no external
store is configured and in tests.
*/
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Upsert creates or replaces the record of the identity.
func (s *MemoryStore) Upsert(ctx context.Context, identity, room string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Record{Identity: identity, Room: room, UpdatedAt: s.now()}
	s.records[identity] = r
	return r, nil
}

// Find returns the record of the identity.
func (s *MemoryStore) Find(ctx context.Context, identity string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.records[identity]
	if !exists {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// Delete removes the record of the identity. Missing records are ignored.
func (s *MemoryStore) Delete(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, identity)
	return nil
}

// DeleteIf removes the record of r's identity if it is still r.
func (s *MemoryStore) DeleteIf(ctx context.Context, r Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[r.Identity]
	if !exists || !cur.Same(r) {
		return false, nil
	}
	delete(s.records, r.Identity)
	return true, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
