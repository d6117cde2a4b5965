package session

import (
	"sync"

	"github.com/alumnihub/messaging/internal/models"
)

// Session is the authenticated user's state, passed explicitly into the
// components that need it. It caches permission lookups; the cache is
// invalidated whenever the role changes.
type Session struct {
	UserID string

	mu      sync.RWMutex
	profile models.Profile
	role    Role
	perms   map[string]bool
}

func New(p models.Profile, adminDomain string) *Session {
	return &Session{
		UserID:  p.ID,
		profile: p,
		role: ResolveRole(RoleInputs{
			Email:      p.Email,
			UserType:   p.UserType,
			IsAdmin:    p.IsAdmin,
			IsEmployer: p.IsEmployer,
		}, adminDomain),
		perms: make(map[string]bool),
	}
}

func (s *Session) Profile() models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Permission returns the cached decision for name, computing it with
// check on a miss.
func (s *Session) Permission(name string, check func(Role) bool) bool {
	s.mu.RLock()
	if v, ok := s.perms[name]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.perms[name]; ok {
		return v
	}
	v := check(s.role)
	s.perms[name] = v
	return v
}

// SetRole updates the role and drops every cached permission.
func (s *Session) SetRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == s.role {
		return
	}
	s.role = r
	s.perms = make(map[string]bool)
}

// Invalidate drops the permission cache without touching the role.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms = make(map[string]bool)
}
