package sync

import stdsync "sync"

// entityLocks hands out one mutex per entity. Append holds it from reading
// the entity's chain until its item is inserted, so two appends never build
// on the same predecessor. Appends to different entities do not wait on each
// other's lock, though the store's single connection still runs their
// transactions one at a time. Entries are reference counted and dropped when
// the last holder unlocks.
type entityLocks struct {
	mu    stdsync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   stdsync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

func (l *entityLocks) lock(entityType, entityID string) (unlock func()) {
	key := entityType + "\x00" + entityID

	l.mu.Lock()
	el, ok := l.locks[key]
	if !ok {
		el = &entityLock{}
		l.locks[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()

	return func() {
		el.mu.Unlock()

		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *entityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
