package orchestrator

import (
	"sort"
	"sync"
)

// BoundaryLockManager provides per-path mutual exclusion across concurrent
// work units. Each path in a unit's write boundary gets its own mutex, so
// units touching disjoint paths run concurrently while units whose
// boundaries overlap serialize on the shared paths.
type BoundaryLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBoundaryLockManager creates an empty lock manager.
func NewBoundaryLockManager() *BoundaryLockManager {
	return &BoundaryLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for one path, creating it on first use.
func (m *BoundaryLockManager) Lock(path string) {
	m.mu.Lock()
	pathLock, ok := m.locks[path]
	if !ok {
		pathLock = &sync.Mutex{}
		m.locks[path] = pathLock
	}
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid contention.
	pathLock.Lock()
}

// Unlock releases the mutex for one path.
func (m *BoundaryLockManager) Unlock(path string) {
	m.mu.Lock()
	pathLock, ok := m.locks[path]
	m.mu.Unlock()

	if ok {
		pathLock.Unlock()
	}
}

// LockAll acquires every path in a unit's write boundary. Paths are
// sorted lexicographically before acquisition so two units with
// overlapping boundaries cannot deadlock on acquisition order.
func (m *BoundaryLockManager) LockAll(paths []string) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for _, path := range sorted {
		m.Lock(path)
	}
}

// UnlockAll releases the paths in reverse sorted order, symmetric with
// LockAll.
func (m *BoundaryLockManager) UnlockAll(paths []string) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		m.Unlock(sorted[i])
	}
}
