package auth

import (
	"sync"

	"ti/models"
)

// State of one connection.
type State int

const (
	Anonymous State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Session is the server-side auth state of a single connection. It starts
// Anonymous and is only changed by Manager.
type Session struct {
	mu    sync.Mutex
	user  *models.User
	token string
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return Anonymous
	}
	return Authenticated
}

// User returns the authenticated user, or nil.
func (s *Session) User() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// UserID returns the authenticated user's id or "".
func (s *Session) UserID() string {
	if u := s.User(); u != nil {
		return u.ID
	}
	return ""
}

func (s *Session) set(u *models.User, token string) {
	s.mu.Lock()
	s.user, s.token = u, token
	s.mu.Unlock()
}

func (s *Session) clear() {
	s.set(nil, "")
}
