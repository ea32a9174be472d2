package evaluator

import "sync"

// KeyedLock is a non-blocking mutual exclusion per alert id.
type KeyedLock struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewKeyedLock returns an empty lock table.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[int64]struct{})}
}

// TryLock acquires key without waiting. The returned func releases it.
func (l *KeyedLock) TryLock(key int64) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}
