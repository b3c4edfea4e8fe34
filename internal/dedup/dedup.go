// Package dedup holds the in-memory set of already-ingested identity keys.
// The set is preloaded from the operational store at startup and is always a
// superset of persisted keys: a false "already seen" only skips a record,
// a false "novel" is caught by the store's uniqueness constraint.
package dedup

import "sync"

// Set is an atomic check-and-insert identity-key set shared by all strategy
// pipelines. A single mutex arbitrates check-and-insert so no update is lost.
type Set struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{keys: make(map[string]struct{})}
}

// Preload inserts keys loaded from the store without reporting novelty.
func (s *Set) Preload(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
}

// MarkSeen inserts key and reports whether it was novel. The check and the
// insert happen under one lock so two pipelines can never both claim the same
// key.
func (s *Set) MarkSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Contains reports whether key has been seen.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Forget removes key, re-opening its slot.
func (s *Set) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Len returns the number of tracked keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
