package store

import "sync"

// KeyedLocks hands out one mutex per conversation and forgets it once no
// goroutine holds or waits for it.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[ConversationKey]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[ConversationKey]*refLock)}
}

// Lock blocks until key is held and returns its unlock func.
func (k *KeyedLocks) Lock(key ConversationKey) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *KeyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
