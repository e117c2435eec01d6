package engine

import (
	"sync"

	"xp360/core"
)

// userLocks hands out one mutex per user. Entries are dropped once no
// goroutine holds or waits on them.
type userLocks struct {
	mu sync.Mutex
	m  map[core.UserID]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(user core.UserID) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[core.UserID]*userLock)
	}
	ul := l.m[user]
	if ul == nil {
		ul = &userLock{}
		l.m[user] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, user)
		}
		l.mu.Unlock()
	}
}
