package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// memoryTier is an LRU bounded by entry count. Eviction is manual so pinned keys can be
// skipped; the tier grows past its capacity while only pinned entries remain.
type memoryTier[T any] struct {
	mu       sync.Mutex
	capacity int
	entries  *simplelru.LRU[string, Entry[T]]
}

func newMemoryTier[T any](capacity int) (*memoryTier[T], error) {
	entries, err := simplelru.NewLRU[string, Entry[T]](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &memoryTier[T]{capacity: capacity, entries: entries}, nil
}

func (m *memoryTier[T]) get(key string) (Entry[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Get(key)
}

// put stores entry and returns the keys evicted to make room for it.
func (m *memoryTier[T]) put(entry Entry[T], pinned func(string) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Add(entry.Key, entry)
	var evicted []string
	for m.entries.Len() > m.capacity {
		victim, ok := m.oldestUnpinnedLocked(entry.Key, pinned)
		if !ok {
			break
		}
		m.entries.Remove(victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

// oldestUnpinnedLocked never picks the entry just written.
func (m *memoryTier[T]) oldestUnpinnedLocked(skip string, pinned func(string) bool) (string, bool) {
	for _, key := range m.entries.Keys() {
		if key == skip {
			continue
		}
		if pinned != nil && pinned(key) {
			continue
		}
		return key, true
	}
	return "", false
}

func (m *memoryTier[T]) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
}

func (m *memoryTier[T]) contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Contains(key)
}

func (m *memoryTier[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}
