package engine

import "sync"

// runLocks serializes all mutation of a single run. Two callbacks racing to
// fire the same downstream node take the lock in turn; the loser re-reads
// the persisted run and sees the node already fired.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// Lock acquires the lock for the given run id and returns its release func.
// Lock entries are reference counted and dropped when unused, so the map
// does not grow with run history.
func (rl *runLocks) Lock(runID string) func() {
	rl.mu.Lock()

	lock, ok := rl.locks[runID]
	if !ok {
		lock = &runLock{}
		rl.locks[runID] = lock
	}

	lock.refs++
	rl.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		rl.mu.Lock()

		lock.refs--
		if lock.refs == 0 {
			delete(rl.locks, runID)
		}

		rl.mu.Unlock()
	}
}
