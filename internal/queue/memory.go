package queue

import (
	"sync"
	"time"

	"codeberg.org/mutker/o2relay/internal/protocol"
)

// memoryStore is a non-durable Store for tests and diskless operation.
type memoryStore struct {
	mu      sync.Mutex
	entries []QueuedReading
	nextID  int64
}

// NewMemoryStore returns an in-memory Store with the same semantics as the
// sqlite-backed one.
func NewMemoryStore() Store {
	return &memoryStore{nextID: 1}
}

func (s *memoryStore) Append(reading protocol.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, QueuedReading{
		ID:         s.nextID,
		Reading:    reading,
		EnqueuedAt: time.Now(),
	})
	s.nextID++

	return nil
}

func (s *memoryStore) Peek(limit int) ([]QueuedReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > len(s.entries) {
		limit = len(s.entries)
	}

	out := make([]QueuedReading, limit)
	copy(out, s.entries[:limit])

	return out, nil
}

func (s *memoryStore) Remove(ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := s.entries[:0]
	for _, entry := range s.entries {
		if _, ok := drop[entry.ID]; !ok {
			kept = append(kept, entry)
		}
	}
	s.entries = kept

	return nil
}

func (s *memoryStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries), nil
}

func (s *memoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil

	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
