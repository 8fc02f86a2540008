package txncoord

import "sync"

// XidLocks serializes work per xid: outcome decisions in the coordinator
// and branch registration in the branch cores. The zero value is ready.
type XidLocks struct {
	mu    sync.Mutex
	locks map[string]*xidLock
}

type xidLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until xid is free and returns the matching unlock.
func (l *XidLocks) Lock(xid string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*xidLock)
	}
	entry := l.locks[xid]
	if entry == nil {
		entry = &xidLock{}
		l.locks[xid] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, xid)
		}
		l.mu.Unlock()
	}
}

// Len reports how many xids are locked or awaited.
func (l *XidLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
