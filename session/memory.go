package session

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory. Each map has its own lock.
type MemoryStore struct {
	lifetimes

	authMu sync.Mutex
	auths  map[string]AuthorizationSession

	userMu sync.Mutex
	users  map[string]UserSession
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	l := defaultLifetimes()
	for _, opt := range opts {
		opt(&l)
	}
	return &MemoryStore{
		lifetimes: l,
		auths:     make(map[string]AuthorizationSession),
		users:     make(map[string]UserSession),
	}
}

// CreateAuth stores a new authorization session and returns its id.
func (s *MemoryStore) CreateAuth(_ context.Context, verifier, state, provider, redirectURI string) (string, error) {
	a, err := s.newAuth(verifier, state, provider, redirectURI)
	if err != nil {
		return "", err
	}
	s.authMu.Lock()
	s.auths[a.ID] = a
	s.authMu.Unlock()
	return a.ID, nil
}

// GetAuth returns the authorization session, or nil if missing or expired.
func (s *MemoryStore) GetAuth(_ context.Context, id string) (*AuthorizationSession, error) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return nil, nil
	}
	if s.expired(a.ExpiresAt) {
		delete(s.auths, id)
		return nil, nil
	}
	return &a, nil
}

// TakeAuth removes and returns the authorization session.
func (s *MemoryStore) TakeAuth(_ context.Context, id string) (*AuthorizationSession, error) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.auths, id)
	if s.expired(a.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &a, nil
}

// DeleteAuth removes an authorization session.
func (s *MemoryStore) DeleteAuth(_ context.Context, id string) error {
	s.authMu.Lock()
	delete(s.auths, id)
	s.authMu.Unlock()
	return nil
}

// CreateUser stores a new user session and returns its id.
func (s *MemoryStore) CreateUser(_ context.Context, in NewUserSession) (string, error) {
	u, err := s.newUser(in)
	if err != nil {
		return "", err
	}
	s.userMu.Lock()
	s.users[u.ID] = u
	s.userMu.Unlock()
	return u.ID, nil
}

// GetUser returns the user session, or nil if missing or expired.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*UserSession, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	if s.expired(u.ExpiresAt) {
		delete(s.users, id)
		return nil, nil
	}
	u.LastAccessed = s.now()
	s.users[id] = u
	return &u, nil
}

// DeleteUser removes a user session.
func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.userMu.Lock()
	delete(s.users, id)
	s.userMu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }
