package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory journal store for testing
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates a new in-memory journal store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Create persists a new entry
func (s *MemoryStore) Create(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("journal entry already exists: %s", entry.ID)
	}

	// Make a copy
	stored := *entry
	s.entries[entry.ID] = &stored

	return nil
}

// Get retrieves an entry by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("journal entry not found: %s", id)
	}

	// Return a copy
	result := *entry
	return &result, nil
}

// List lists entries matching the filter, most recent first
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Entry

	for _, entry := range s.entries {
		if filter.TransactionID != "" && entry.TransactionID != filter.TransactionID {
			continue
		}

		if len(filter.States) > 0 {
			matched := false
			for _, state := range filter.States {
				if entry.State == state {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		result := *entry
		results = append(results, &result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].EndedAt.After(results[j].EndedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results, nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
