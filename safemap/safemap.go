// Package safemap provides small mutex-guarded generic containers used
// throughout the peer controller. It generalizes the teacher's
// per-type SafePeersMap/SafeStatusMap/SafeMsgMap/SafeChanMap into a
// single generic Map, so every owner of shared state (registry,
// reliability table, social state, file-transfer table) gets the same
// locking discipline without re-deriving it.
package safemap

import "sync"

// Map is a thread-safe map[K]V.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	v  map[K]V
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{v: make(map[K]V)}
}

// Set stores value under key.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.v[key]
	return val, ok
}

// Delete removes key, a no-op if absent.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.v, key)
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.v[key]
	return ok
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.v)
}

// Keys returns a snapshot of the current keys, in no particular order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]K, 0, len(m.v))
	for k := range m.v {
		out = append(out, k)
	}
	return out
}

// Values returns a snapshot of the current values, in no particular order.
func (m *Map[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, 0, len(m.v))
	for _, v := range m.v {
		out = append(out, v)
	}
	return out
}

// Range calls fn for every entry in the map, stopping early if fn returns
// false. fn must not call back into the Map: the read lock is held for
// the duration of Range.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.v {
		if !fn(k, v) {
			return
		}
	}
}

// Update atomically applies fn to the current value for key (its zero
// value if absent) and stores the result.
func (m *Map[K, V]) Update(key K, fn func(V) V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v[key] = fn(m.v[key])
}

// GetOrSet returns the existing value for key if present, otherwise
// stores and returns value.
func (m *Map[K, V]) GetOrSet(key K, value V) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.v[key]; ok {
		return existing
	}
	m.v[key] = value
	return value
}

// Bounded is a Map with an LRU-style eviction bound, used for seen-ID
// sets (spec.md §5 recommends 1024 entries per peer).
type Bounded[K comparable] struct {
	mu    sync.Mutex
	limit int
	order []K
	set   map[K]struct{}
}

// NewBounded returns a Bounded set capped at limit entries.
func NewBounded[K comparable](limit int) *Bounded[K] {
	return &Bounded[K]{limit: limit, set: make(map[K]struct{})}
}

// Contains reports whether key has been seen.
func (b *Bounded[K]) Contains(key K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.set[key]
	return ok
}

// Insert records key as seen, evicting the oldest entry if the bound is
// exceeded. Returns true if key was newly inserted.
func (b *Bounded[K]) Insert(key K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.set[key]; ok {
		return false
	}
	b.set[key] = struct{}{}
	b.order = append(b.order, key)
	if len(b.order) > b.limit {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.set, oldest)
	}
	return true
}
