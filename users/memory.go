package users

import (
	"context"
	"sync"
	"time"
)

type issuerSubject struct {
	issuer, subject string
}

// MemoryStore keeps users in process memory with unique indexes on
// (issuer, subject) and uid.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]User
	identities map[issuerSubject]Identity
	uids       map[string]string
	now        func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		identities: make(map[issuerSubject]Identity),
		uids:       make(map[string]string),
		now:        time.Now,
	}
}

func (s *MemoryStore) get(id string) (*User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *MemoryStore) GetUserByUID(_ context.Context, uid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.uids[uid]
	if !ok || uid == "" {
		return nil, ErrNotFound
	}
	return s.get(id)
}

func (s *MemoryStore) GetUserByIssuerSubject(_ context.Context, issuer, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[issuerSubject{issuer, subject}]
	if !ok {
		return nil, ErrNotFound
	}
	return s.get(ident.UserID)
}

func (s *MemoryStore) CreateUserWithIdentity(_ context.Context, u *User, ident *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issuerSubject{ident.Issuer, ident.Subject}
	if _, ok := s.identities[key]; ok {
		return ErrIdentityExists
	}
	if ident.UID != "" {
		if _, ok := s.uids[ident.UID]; ok {
			return ErrIdentityExists
		}
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	ident.UserID = u.ID
	ident.CreatedAt = now
	s.users[u.ID] = *u
	s.identities[key] = *ident
	if ident.UID != "" {
		s.uids[ident.UID] = u.ID
	}
	return nil
}

func (s *MemoryStore) UpdateContact(_ context.Context, id string, c ContactUpdate) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.apply(&u)
	u.UpdatedAt = s.now()
	s.users[id] = u
	return &u, nil
}

// Len returns the number of users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
