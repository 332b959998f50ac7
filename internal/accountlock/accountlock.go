// Package accountlock hands out one mutex per account. The sync engine holds it
// during the threading phase and the queue holds it while flushing, so optimistic
// updates and thread rewrites of the same account never interleave.
package accountlock

import "sync"

type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the account's lock is held and returns the unlock function.
func (l *Locks) Lock(accountID string) func() {
	m := l.get(accountID)
	m.Lock()
	return m.Unlock
}

// TryLock acquires the account's lock if it is free.
func (l *Locks) TryLock(accountID string) (func(), bool) {
	m := l.get(accountID)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// Forget drops the lock of a removed account. It must not be held.
func (l *Locks) Forget(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, accountID)
}

func (l *Locks) get(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	return m
}
