// rolling.go — Generic rolling buffer with entry and byte caps.
// Fixed-capacity FIFO buffer used by the network capture layer: eviction
// happens oldest-first whenever either the entry cap or the aggregate
// byte budget is exceeded. Entries can grow after insertion (a response
// body arriving for a stored request); Grow re-runs eviction so the
// budget holds at all times.
// Thread-safe: all access guarded by RWMutex.
package buffers

import "sync"

// Rolling is a FIFO buffer bounded by entry count and estimated bytes.
// The weigh function supplies the byte estimate at insertion time;
// later growth is reported through Grow.
type Rolling[T any] struct {
	mu sync.RWMutex

	entries []T
	weights []int64

	maxEntries int
	maxBytes   int64
	totalBytes int64

	weigh   func(T) int64
	onEvict func(T)
}

// NewRolling creates a buffer with the given caps. A non-nil onEvict is
// called (outside any external lock, inside the buffer's) for every
// evicted entry so callers can drop secondary indexes.
func NewRolling[T any](maxEntries int, maxBytes int64, weigh func(T) int64, onEvict func(T)) *Rolling[T] {
	return &Rolling[T]{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		weigh:      weigh,
		onEvict:    onEvict,
	}
}

// Append inserts an entry, evicting oldest entries first until both caps
// hold again.
func (b *Rolling[T]) Append(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.weigh(v)
	b.entries = append(b.entries, v)
	b.weights = append(b.weights, w)
	b.totalBytes += w
	b.evictLocked()
}

// Grow records that an existing entry's estimate increased by delta
// bytes (e.g. its response body arrived) and re-applies the byte budget.
// The newest entry is never evicted by Grow: a single oversized entry
// must still be observable by the step that produced it.
func (b *Rolling[T]) Grow(delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalBytes += delta
	b.evictLocked()
}

// evictLocked drops oldest entries while either cap is exceeded,
// always retaining at least the newest entry. Must hold mu.
func (b *Rolling[T]) evictLocked() {
	for len(b.entries) > 1 &&
		(len(b.entries) > b.maxEntries || b.totalBytes > b.maxBytes) {
		evicted := b.entries[0]
		b.totalBytes -= b.weights[0]
		b.entries = b.entries[1:]
		b.weights = b.weights[1:]
		if b.onEvict != nil {
			b.onEvict(evicted)
		}
	}
	// Entry cap of 1 with an over-budget sole entry: keep it, the
	// budget is an estimate and the entry is still in use.
}

// Snapshot returns a copy of the entries, oldest first. The copy is a
// consistent view; callers may iterate without holding any lock.
func (b *Rolling[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of entries currently held.
func (b *Rolling[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Bytes returns the current aggregate byte estimate.
func (b *Rolling[T]) Bytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalBytes
}

// Clear drops every entry, firing onEvict for each.
func (b *Rolling[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onEvict != nil {
		for _, e := range b.entries {
			b.onEvict(e)
		}
	}
	b.entries = nil
	b.weights = nil
	b.totalBytes = 0
}
