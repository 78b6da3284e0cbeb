package badger

import (
	"sync"
)

// jobLocks provides per-job row-level locks. Badger has no server-side
// stored procedures, so stage advancement and result aggregation are
// serialized here instead. Entries are refcounted and removed when idle.
type jobLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{entries: make(map[string]*lockEntry)}
}

// with runs fn while holding the lock for jobID
func (l *jobLocks) with(jobID string, fn func() error) error {
	l.mu.Lock()
	entry, ok := l.entries[jobID]
	if !ok {
		entry = &lockEntry{}
		l.entries[jobID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	err := fn()
	entry.mu.Unlock()

	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, jobID)
	}
	l.mu.Unlock()

	return err
}
