package index

import "sync"

// Store is a handle around a Registry, encapsulating the single mutex that
// guards it. It is constructed once at server startup and passed by
// reference to each connection worker, rather than living behind a bare
// package-level global.
//
// The lock is held only for the duration of a lookup (Find) or a commit
// (ReplaceOrAdd + Save taken together as one critical section). It is never
// held across network I/O.
type Store struct {
	mu       sync.RWMutex
	path     string
	registry *Registry
}

// NewStore constructs a store backed by the snapshot at path, loading any
// existing registry.
func NewStore(path string) (*Store, error) {
	registry, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:     path,
		registry: registry,
	}, nil
}

// Find looks up name under a read lock.
func (s *Store) Find(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Find(name)
}

// Commit replaces or adds entry and durably persists the registry, all under
// a single write-lock critical section. If the save fails, the in-memory
// registry still holds the new entry; the caller is responsible for logging
// the save failure.
func (s *Store) Commit(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registry.ReplaceOrAdd(entry)
	return Save(s.path, s.registry)
}

// Len reports the number of tracked entries, for diagnostics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Len()
}
