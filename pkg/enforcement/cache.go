package enforcement

import (
	"sync"
	"time"
)

// ttlStore is a mutex-guarded map with per-entry expiry. Expired entries are
// treated as absent and removed on read.
type ttlStore[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value    V
	storedAt time.Time
}

func newTTLStore[V any](ttl time.Duration, now func() time.Time) *ttlStore[V] {
	if now == nil {
		now = time.Now
	}
	return &ttlStore[V]{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]ttlEntry[V]),
	}
}

func (s *ttlStore[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	entry, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	if s.now().Sub(entry.storedAt) >= s.ttl {
		delete(s.entries, key)
		return zero, false
	}
	return entry.value, true
}

func (s *ttlStore[V]) Put(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = ttlEntry[V]{value: value, storedAt: s.now()}
}

func (s *ttlStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ttlStore[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]ttlEntry[V])
}

// DeleteFunc removes every entry for which the predicate returns true.
func (s *ttlStore[V]) DeleteFunc(match func(key string, value V) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if match(key, entry.value) {
			delete(s.entries, key)
		}
	}
}
