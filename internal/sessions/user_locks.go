// Package sessions holds per-user turn admission state.
package sessions

import (
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when a user already has a turn in flight.
var ErrLockHeld = errors.New("session: lock held by another turn")

type userLock struct {
	holder   string
	acquired time.Time
}

// UserLocks admits at most one in-flight turn per key. A second request for
// a held key is rejected immediately rather than queued. Entries exist only
// while held, so the map never grows past the number of active turns.
//
// UserLocks is safe for concurrent use.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

// NewUserLocks creates an empty lock table.
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Key builds the lock key for a user on a platform.
func Key(platform, userID string) string {
	return platform + ":" + userID
}

// TryAcquire takes the lock for key without waiting. The returned release
// function is safe to call more than once; callers defer it so the lock is
// freed on every exit path.
func (l *UserLocks) TryAcquire(key, holder string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[key]; held {
		return nil, ErrLockHeld
	}
	lock := &userLock{holder: holder, acquired: time.Now()}
	l.locks[key] = lock

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.locks[key] == lock {
				delete(l.locks, key)
			}
		})
	}
	return release, nil
}

// IsLocked reports whether key currently has a turn in flight.
func (l *UserLocks) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok
}

// LockInfo returns the current holder of key.
func (l *UserLocks) LockInfo(key string) (holder string, since time.Time, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		return "", time.Time{}, false
	}
	return lock.holder, lock.acquired, true
}

// Len returns the number of held locks.
func (l *UserLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
