// Package lockmap provides one mutex per key.
package lockmap

import "sync"

// Map hands out a mutex per key. Entries are created on first use and kept.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock func.
func (m *Map[K]) Lock(key K) func() {
	l := m.get(key)
	l.Lock()
	return l.Unlock
}

func (m *Map[K]) get(key K) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[K]*sync.Mutex)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Forget drops the mutex for key. Call it only once nothing can lock key again.
func (m *Map[K]) Forget(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}
