package intake

import (
	"errors"
	"sync"
)

// ErrNotFound indicates no in-flight intake for the referral ID.
var ErrNotFound = errors.New("intake not found")

// Store holds in-flight intakes between prepare and submit. Intake is
// working state, not a durable aggregate; the event log is the record
// of what happened.
type Store struct {
	mu    sync.RWMutex
	items map[string]*Intake
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{items: make(map[string]*Intake)}
}

// Put stores it under its referral ID, replacing any previous state.
func (s *Store) Put(it *Intake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.Referral.ID] = it
}

// Get returns the in-flight intake for referralID.
func (s *Store) Get(referralID string) (*Intake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[referralID]
	if !ok {
		return nil, ErrNotFound
	}
	return it, nil
}

// Delete removes the intake for referralID. Deleting an unknown ID is
// a no-op.
func (s *Store) Delete(referralID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, referralID)
}

// Len returns the number of in-flight intakes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
