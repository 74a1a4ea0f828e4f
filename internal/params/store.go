package params

import (
	"sync/atomic"
)

// Store holds the active parameter set behind an atomic pointer. Readers on
// the trading hot path never block; promotion swaps the whole set at once so
// no evaluation ever sees a half-updated mix.
type Store struct {
	active atomic.Pointer[ParameterSet]
}

// NewStore creates a store with initial as the active set.
func NewStore(initial ParameterSet) *Store {
	s := &Store{}
	s.active.Store(&initial)
	return s
}

// Active returns the current set by value.
func (s *Store) Active() ParameterSet {
	return *s.active.Load()
}

// Promote installs p as the active set. In-flight trade attempts keep the
// set they started with; only new evaluations observe p.
func (s *Store) Promote(p ParameterSet) {
	s.active.Store(&p)
}
