package core

import "sync"

// itemLocks serializes mutations per stock item. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

func newItemLocks() *itemLocks {
	return &itemLocks{locks: make(map[string]*itemLock)}
}

// lock blocks until the caller owns itemID and returns the matching unlock.
func (l *itemLocks) lock(itemID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[itemID]
	if !ok {
		entry = &itemLock{}
		l.locks[itemID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, itemID)
		}
		l.mu.Unlock()
	}
}

func (l *itemLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
