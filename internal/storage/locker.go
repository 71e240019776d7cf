package storage

import (
	"sync"

	"github.com/gordon-to/replikv/internal/cluster"
)

// KeyLocker grants exclusive access to one key at a time, so a
// primary can hold a key locked across a Put to its own table and
// the synchronous forward to its secondary, without blocking PUTs to
// unrelated keys.
//
// Locks are reference-counted and evicted once unlocked with nobody
// waiting, so the map does not grow without bound over the life of a
// long-running server.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[cluster.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocker returns an empty locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[cluster.Key]*keyLock)}
}

// Lock blocks until key is exclusively held by the caller, and
// returns an unlock function that must be called exactly once to
// release it.
func (l *KeyLocker) Lock(key cluster.Key) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
