package engine

import "sync"

// instanceLocks serializes processing per workflow instance. Different
// instances proceed concurrently; two events for the same instance never
// interleave.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{
		locks: make(map[string]*instanceLock),
	}
}

// Lock acquires the lock for an instance and returns the unlock function.
// Lock entries are reference counted so the map does not grow without bound.
func (l *instanceLocks) Lock(instanceID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[instanceID]
	if !ok {
		entry = &instanceLock{}
		l.locks[instanceID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, instanceID)
		}
		l.mu.Unlock()
	}
}
