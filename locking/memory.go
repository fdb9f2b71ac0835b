package locking

import (
	"context"
	"sync"
)

type memoryLock struct {
	// sem is a one-slot semaphore so waiters can give up when their
	// context is canceled.
	sem  chan struct{}
	refs int
}

// MemoryLocks is the in-process NamedLockService. Lock entries are
// reference counted and dropped once the last holder or waiter is gone, so
// the map does not grow with the set of edge IDs ever seen.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

// NewMemoryLocks returns an empty in-process lock table.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{
		locks: make(map[string]*memoryLock),
	}
}

// Acquire blocks until the named lock is held or the context is done.
func (ml *MemoryLocks) Acquire(ctx context.Context, name string) (func(), error) {
	ml.mu.Lock()
	l, ok := ml.locks[name]
	if !ok {
		l = &memoryLock{sem: make(chan struct{}, 1)}
		ml.locks[name] = l
	}
	l.refs++
	ml.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		ml.unref(name, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.sem
			ml.unref(name, l)
		})
	}
	return release, nil
}

func (ml *MemoryLocks) unref(name string, l *memoryLock) {
	ml.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(ml.locks, name)
	}
	ml.mu.Unlock()
}
