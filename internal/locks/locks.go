// Package locks provides per-user mutual exclusion. All of a user's
// positions, orders, and cash balance mutate under one logical unit of
// work; a single global lock would serialize unrelated users, so locking
// is scoped by user ID instead.
package locks

import "sync"

// PerUser hands out one mutex per user ID. Mutexes are created lazily and
// never released; the set of users is small relative to memory.
type PerUser struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPerUser creates an empty lock set.
func NewPerUser() *PerUser {
	return &PerUser{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for userID and returns the unlock function.
// Not reentrant: a holder must not call Lock again for the same user.
func (p *PerUser) Lock(userID string) func() {
	p.mu.Lock()
	l, ok := p.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[userID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
