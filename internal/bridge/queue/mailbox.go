package queue

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a multi-producer buffer drained wholesale by a single consumer.
// Pending is a lock-free check so hot paths can skip the mutex entirely.
type Mailbox[T any] struct {
	mu      sync.Mutex
	items   []T
	pending atomic.Bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{items: make([]T, 0, 16)}
}

// Enqueue appends item.
func (m *Mailbox[T]) Enqueue(item T) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.pending.Store(true)
	m.mu.Unlock()
}

// Drain removes and returns everything queued since the last drain, in
// enqueue order.
func (m *Mailbox[T]) Drain() []T {
	if !m.pending.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = make([]T, 0, cap(out))
	m.pending.Store(false)
	return out
}

// Purge removes the queued items matching fn and returns them.
func (m *Mailbox[T]) Purge(fn func(T) bool) []T {
	if !m.pending.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []T
	kept := m.items[:0]
	for _, it := range m.items {
		if fn(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = zero
	}
	m.items = kept
	m.pending.Store(len(kept) > 0)
	return removed
}

// Pending reports whether anything is queued. Lock-free.
func (m *Mailbox[T]) Pending() bool { return m.pending.Load() }

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
