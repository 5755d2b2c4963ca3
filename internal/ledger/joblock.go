package ledger

import "sync"

// jobLocks serializes operations per job id. Entries are dropped once unused.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*jobLock)}
}

// lock blocks until jobID is free and returns the matching unlock.
func (j *jobLocks) lock(jobID string) func() {
	j.mu.Lock()
	l, ok := j.locks[jobID]
	if !ok {
		l = &jobLock{}
		j.locks[jobID] = l
	}
	l.refs++
	j.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		j.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(j.locks, jobID)
		}
		j.mu.Unlock()
	}
}
