package metering

import (
	"context"
	"sync"
)

// Locker serializes settlement for a single user. Lock blocks until the lock
// is held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, userID string) (func(), error)
}

// LocalLocker is an in-process Locker backed by one mutex per active user.
// Entries are dropped once no goroutine holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process per-user locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*userLock)}
}

// Lock acquires the lock for userID.
func (l *LocalLocker) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ul.ch
			l.release(userID, ul)
		})
	}, nil
}

func (l *LocalLocker) release(userID string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// active returns the number of users with a held or awaited lock.
func (l *LocalLocker) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
