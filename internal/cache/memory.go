package cache

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds the in-memory cache size.
const DefaultMemoryCapacity = 10000

// Memory is a bounded in-process cache. When full it evicts arbitrary
// entries to make room, which only costs a redundant upsert later.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]string
}

// NewMemory creates an in-memory cache holding at most capacity entries.
// A capacity of 0 or less uses DefaultMemoryCapacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		entries:  make(map[string]string),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[key]
	return value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.capacity {
		for k := range m.entries {
			delete(m.entries, k)
			if len(m.entries) < m.capacity {
				break
			}
		}
	}
	m.entries[key] = value
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]string)
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Cache = (*Memory)(nil)
