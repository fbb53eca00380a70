// Package session exposes the signed-in user to the queue.
package session

import "sync"

// Provider returns the authenticated user id, or "" when signed out.
type Provider interface {
	UserID() string
}

// Static is a Provider whose user can be switched at runtime.
type Static struct {
	mu     sync.RWMutex
	userID string
}

// NewStatic returns a provider signed in as userID.
func NewStatic(userID string) *Static {
	return &Static{userID: userID}
}

func (s *Static) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SignIn switches the current user.
func (s *Static) SignIn(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// SignOut clears the current user.
func (s *Static) SignOut() {
	s.SignIn("")
}
