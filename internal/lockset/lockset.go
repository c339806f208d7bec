// Package lockset provides keyed mutual exclusion: callers holding different
// keys never block each other.
package lockset

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a collection of mutexes indexed by key. Entries are created on
// demand and released when the last holder or waiter unlocks.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Set
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock function
func (s *Set) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
