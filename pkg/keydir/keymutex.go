package keydir

import "sync"

// keyMutex serializes directory operations per key ID so that
// multi-step storage writes never interleave for the same record.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

func (m *keyMutex) lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = new(keyLock)
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
}

func (m *keyMutex) unlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	l.Unlock()
}
