package conversation

import (
	"context"
	"sync"
)

// KeyedMutex serialises work per key. Entries are reference counted and
// removed once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{} // buffered(1); a token in the channel means held
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (m *KeyedMutex) acquireRef(key string) *keyedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.releaseRef(key, l)
		})
	}, nil
}

// TryLock acquires key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	l := m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
	default:
		m.releaseRef(key, l)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.releaseRef(key, l)
		})
	}, true
}

// Len returns the number of keys currently tracked.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
