package workspace

import "sync"

// LockMap provides a keyed advisory mutex. Waiters are queued in FIFO
// order via a one-slot channel per key; the lock is released whether the
// callback returns or panics. Distinct keys never contend.
type LockMap struct {
	locks sync.Map // key -> chan struct{} with capacity 1
}

// NewLockMap creates an empty lock map
func NewLockMap() *LockMap {
	return &LockMap{}
}

func (m *LockMap) get(key string) chan struct{} {
	ch, ok := m.locks.Load(key)
	if !ok {
		ch, _ = m.locks.LoadOrStore(key, make(chan struct{}, 1))
	}
	return ch.(chan struct{})
}

// With runs fn while holding the lock for key
func (m *LockMap) With(key string, fn func() error) error {
	ch := m.get(key)
	ch <- struct{}{}
	defer func() { <-ch }()
	return fn()
}

// Delete removes the lock for a key (call after the entity is destroyed)
func (m *LockMap) Delete(key string) {
	m.locks.Delete(key)
}
