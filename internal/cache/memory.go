package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruStore is the method set shared by lru.Cache and expirable.LRU
type lruStore interface {
	Get(key string) (*Entry, bool)
	Add(key string, value *Entry) bool
	Len() int
}

// MemoryTier is a bounded in-process LRU keyed by entry count
type MemoryTier struct {
	store    lruStore
	capacity int
}

// NewMemoryTier creates a tier holding at most capacity entries. A positive
// ttl additionally expires entries after that age.
func NewMemoryTier(capacity int, ttl time.Duration) (*MemoryTier, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory tier capacity must be positive, got %d", capacity)
	}

	var store lruStore
	if ttl > 0 {
		store = expirable.NewLRU[string, *Entry](capacity, nil, ttl)
	} else {
		c, err := lru.New[string, *Entry](capacity)
		if err != nil {
			return nil, fmt.Errorf("failed to create lru: %w", err)
		}

		store = c
	}

	return &MemoryTier{store: store, capacity: capacity}, nil
}

func (m *MemoryTier) Name() string {
	return "memory"
}

func (m *MemoryTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	e, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}

	return e.clone(m.Name()), true, nil
}

func (m *MemoryTier) Put(_ context.Context, entry *Entry) error {
	m.store.Add(entry.Key, entry.clone(""))
	return nil
}

// Len returns the number of entries held
func (m *MemoryTier) Len() int {
	return m.store.Len()
}

// Capacity returns the configured entry limit
func (m *MemoryTier) Capacity() int {
	return m.capacity
}
