package core

import (
	"sync"

	"github.com/org/piiguard/internal/errs"
)

// LockState is the read-only view of the session handed to restricted
// contexts. It never exposes key material.
type LockState interface {
	IsLocked() bool
}

// Session holds the vault session key for the privileged context.
// The key is in memory only between unlock and lock.
type Session struct {
	mu  sync.RWMutex
	key []byte
}

// NewSession creates a Session in the locked state.
func NewSession() *Session {
	return &Session{}
}

// IsLocked returns whether no session key is held.
func (s *Session) IsLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key == nil
}

// Open installs key as the session key, replacing and wiping any previous one.
// Session takes ownership of key.
func (s *Session) Open(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.key)
	s.key = key
}

// Close wipes the key from memory.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.key)
	s.key = nil
}

// Key returns a copy of the session key, or errs.ErrSessionExpired when locked.
// Callers should wipe the copy when done.
func (s *Session) Key() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, errs.ErrSessionExpired
	}
	keyCopy := make([]byte, len(s.key))
	copy(keyCopy, s.key)
	return keyCopy, nil
}

// View returns the read-only capability for restricted contexts.
func (s *Session) View() LockState {
	return sessionView{s}
}

type sessionView struct{ s *Session }

func (v sessionView) IsLocked() bool { return v.s.IsLocked() }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
