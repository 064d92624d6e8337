// Package session stores pending authorization requests and established
// browser sessions. Expired entries are removed when they are read; there is
// no background sweep.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultAuthTTL is the fixed lifetime of an authorization session.
	DefaultAuthTTL = 10 * time.Minute
	// DefaultUserTTL is the absolute lifetime of a user session.
	DefaultUserTTL = 24 * time.Hour

	idBytes = 32
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrStateMismatch   = errors.New("state mismatch")
	ErrNoRefreshToken  = errors.New("session has no refresh token")
)

// AuthorizationSession is one in-flight browser login.
type AuthorizationSession struct {
	ID          string    `json:"id"`
	Verifier    string    `json:"verifier"`
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UserSession is an established browser identity.
type UserSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccessToken  string    `json:"access_token"`
	AccessExpiry time.Time `json:"access_expiry"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewUserSession holds the caller-supplied fields of a user session.
type NewUserSession struct {
	UserID       string
	Provider     string
	RefreshToken string
	AccessToken  string
	AccessExpiry time.Time
}

// AuthStore holds authorization sessions.
type AuthStore interface {
	CreateAuth(ctx context.Context, verifier, state, provider, redirectURI string) (string, error)
	// GetAuth returns nil when the session is missing or expired; an expired
	// entry is deleted.
	GetAuth(ctx context.Context, id string) (*AuthorizationSession, error)
	// TakeAuth atomically reads and deletes a session. It returns
	// ErrSessionNotFound or ErrSessionExpired when there is nothing to consume.
	TakeAuth(ctx context.Context, id string) (*AuthorizationSession, error)
	DeleteAuth(ctx context.Context, id string) error
}

// UserStore holds user sessions.
type UserStore interface {
	CreateUser(ctx context.Context, s NewUserSession) (string, error)
	// GetUser returns nil when the session is missing or expired; an expired
	// entry is deleted. A successful read updates LastAccessed.
	GetUser(ctx context.Context, id string) (*UserSession, error)
	DeleteUser(ctx context.Context, id string) error
}

// Store is the full session storage capability.
type Store interface {
	AuthStore
	UserStore
	Ping(ctx context.Context) error
}

type lifetimes struct {
	authTTL time.Duration
	userTTL time.Duration
	now     func() time.Time
}

func defaultLifetimes() lifetimes {
	return lifetimes{authTTL: DefaultAuthTTL, userTTL: DefaultUserTTL, now: time.Now}
}

// Option configures a store.
type Option func(*lifetimes)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *lifetimes) {
		if now != nil {
			l.now = now
		}
	}
}

// WithAuthTTL overrides DefaultAuthTTL.
func WithAuthTTL(d time.Duration) Option {
	return func(l *lifetimes) {
		if d > 0 {
			l.authTTL = d
		}
	}
}

// WithUserTTL overrides DefaultUserTTL.
func WithUserTTL(d time.Duration) Option {
	return func(l *lifetimes) {
		if d > 0 {
			l.userTTL = d
		}
	}
}

func (l lifetimes) newAuth(verifier, state, provider, redirectURI string) (AuthorizationSession, error) {
	id, err := NewID()
	if err != nil {
		return AuthorizationSession{}, err
	}
	now := l.now()
	return AuthorizationSession{
		ID:          id,
		Verifier:    verifier,
		State:       state,
		Provider:    provider,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.authTTL),
	}, nil
}

func (l lifetimes) newUser(in NewUserSession) (UserSession, error) {
	id, err := NewID()
	if err != nil {
		return UserSession{}, err
	}
	now := l.now()
	return UserSession{
		ID:           id,
		UserID:       in.UserID,
		Provider:     in.Provider,
		RefreshToken: in.RefreshToken,
		AccessToken:  in.AccessToken,
		AccessExpiry: in.AccessExpiry,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(l.userTTL),
	}, nil
}

func (l lifetimes) expired(expiresAt time.Time) bool {
	return !l.now().Before(expiresAt)
}

// NewID returns a random URL-safe session identifier.
func NewID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
