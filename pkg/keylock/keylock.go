// Package keylock provides per-key boolean mutual exclusion with broadcast
// wake-up.
//
// A KeyLock marks string keys as held or free. It carries no notion of an
// owner: a successful Lock returns true and the caller is responsible for
// remembering which keys it holds and for calling Unlock. Locking is not
// re-entrant; locking a held key simply returns false.
//
// Every successful Lock or Unlock (and every explicit Broadcast) wakes all
// goroutines currently waiting on a channel obtained from Changed. Waiters
// must re-check whatever condition they were waiting for, since a wake-up
// only means "something changed".
//
//	locks := keylock.New()
//	for {
//		changed := locks.Changed()
//		if locks.Lock(key) {
//			break
//		}
//		<-changed
//	}
//	defer locks.Unlock(key)
package keylock

import "sync"

// KeyLock is safe for concurrent use. The zero value is not usable; use New.
type KeyLock struct {
	mu      sync.Mutex
	held    map[string]struct{}
	changed chan struct{}
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{
		held:    make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Lock marks key as held. It returns false without changing anything if the
// key is already held.
func (l *KeyLock) Lock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	l.broadcastLocked()
	return true
}

// Unlock releases key. It returns false if the key was not held.
func (l *KeyLock) Unlock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; !ok {
		return false
	}
	delete(l.held, key)
	l.broadcastLocked()
	return true
}

// IsLocked reports whether key is currently held.
func (l *KeyLock) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.held[key]
	return ok
}

// Held returns the number of keys currently held.
func (l *KeyLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Changed returns a channel that is closed on the next broadcast. Obtain the
// channel before evaluating the wait condition so no wake-up is missed.
func (l *KeyLock) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Broadcast wakes all waiters without changing any lock.
func (l *KeyLock) Broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcastLocked()
}

func (l *KeyLock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
