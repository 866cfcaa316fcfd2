package cache

import (
	"sync"
	"time"
)

// Entry is a stored value and its expiry. A zero ExpiresAt never expires.
type Entry[V any] struct {
	Value     V         `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (e Entry[V]) freshAt(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// TTLMap is a mutex guarded map whose entries carry an expiry. Expired
// entries stay until Prune or Delete removes them.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]Entry[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]Entry[V]{}}
}

// GetFresh returns the value for key if it has not expired at now.
func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !e.freshAt(now) {
		return zero, false
	}
	return e.Value, true
}

func (m *TTLMap[K, V]) SetWithTTL(key K, value V, now time.Time, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.Restore(map[K]Entry[V]{key: {Value: value, ExpiresAt: exp}})
}

// Restore merges previously exported entries, keeping their expiry.
func (m *TTLMap[K, V]) Restore(entries map[K]Entry[V]) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range entries {
		m.items[k] = e
	}
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Prune drops entries expired at now and reports how many it removed.
func (m *TTLMap[K, V]) Prune(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.items {
		if !e.freshAt(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Entries copies the map, suitable for SaveJSON.
func (m *TTLMap[K, V]) Entries() map[K]Entry[V] {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]Entry[V], len(m.items))
	for k, e := range m.items {
		out[k] = e
	}
	return out
}
