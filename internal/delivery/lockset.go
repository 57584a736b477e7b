package delivery

import "sync"

// lockset hands out one mutex per recipient and forgets it when the last
// holder releases.
type lockset struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newLockset() *lockset { return &lockset{locks: make(map[string]*refLock)} }

func (l *lockset) lock(key string) func() {
	l.mu.Lock()
	rl := l.locks[key]
	if rl == nil {
		rl = &refLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *lockset) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
