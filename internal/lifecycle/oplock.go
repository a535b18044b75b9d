package lifecycle

import "sync"

// opLocks serializes lifecycle operations per VM. Entries exist only while
// someone holds or waits for them.
type opLocks struct {
	mu    sync.Mutex
	locks map[string]*opLock
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

func newOpLocks() *opLocks {
	return &opLocks{locks: make(map[string]*opLock)}
}

func (l *opLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &opLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *opLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
