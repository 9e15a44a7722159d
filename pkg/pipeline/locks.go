package pipeline

import "sync"

// targetLocks hands out one mutex per target ID, so deployments to
// the same target serialize while unrelated targets proceed. Locks
// are never discarded; the universe of targets is the registry file,
// which is small.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: map[string]*sync.Mutex{}}
}

// lock blocks until the target's lock is held and returns the
// unlock.
func (l *targetLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
