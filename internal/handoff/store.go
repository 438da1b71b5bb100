// Package handoff passes an already-detected incoming offer from the global
// call listener to the conversation controller that mounts afterwards.
package handoff

import (
	"sync"

	"teleconsult/native/internal/domain"
)

// Store is a single-slot, consume-once mailbox.
type Store struct {
	mu   sync.Mutex
	call *domain.PendingIncomingCall
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Set overwrites the slot unconditionally.
func (s *Store) Set(call domain.PendingIncomingCall) {
	s.mu.Lock()
	s.call = &call
	s.mu.Unlock()
}

// Take returns the stored call if it belongs to conversationID and clears
// the slot in the same critical section. A call for another conversation is
// left in place.
func (s *Store) Take(conversationID string) (domain.PendingIncomingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ConversationID != conversationID {
		return domain.PendingIncomingCall{}, false
	}
	call := *s.call
	s.call = nil
	return call, true
}

// Peek returns the stored call without consuming it.
func (s *Store) Peek() (domain.PendingIncomingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil {
		return domain.PendingIncomingCall{}, false
	}
	return *s.call, true
}

// Clear drops whatever is stored.
func (s *Store) Clear() {
	s.mu.Lock()
	s.call = nil
	s.mu.Unlock()
}
