package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "oidcbff:session:"

// RedisStore keeps sessions in Redis as JSON values. Redis key expiry mirrors
// ExpiresAt; the store still checks ExpiresAt against its own clock on read.
type RedisStore struct {
	lifetimes
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to addr. An empty prefix means DefaultKeyPrefix.
func NewRedisStore(addr, password string, db int, prefix string, opts ...Option) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisStoreWithClient(client, prefix, opts...)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	l := defaultLifetimes()
	for _, opt := range opts {
		opt(&l)
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{lifetimes: l, client: client, prefix: prefix}
}

func (s *RedisStore) authKey(id string) string { return s.prefix + "auth:" + id }
func (s *RedisStore) userKey(id string) string { return s.prefix + "user:" + id }

func (s *RedisStore) put(ctx context.Context, key string, v any, expiresAt time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// load returns false when the key is absent.
func (s *RedisStore) load(ctx context.Context, key string, v any) (bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode session: %w", err)
	}
	return true, nil
}

// CreateAuth stores a new authorization session and returns its id.
func (s *RedisStore) CreateAuth(ctx context.Context, verifier, state, provider, redirectURI string) (string, error) {
	a, err := s.newAuth(verifier, state, provider, redirectURI)
	if err != nil {
		return "", err
	}
	if err := s.put(ctx, s.authKey(a.ID), a, a.ExpiresAt); err != nil {
		return "", err
	}
	return a.ID, nil
}

// GetAuth returns the authorization session, or nil if missing or expired.
func (s *RedisStore) GetAuth(ctx context.Context, id string) (*AuthorizationSession, error) {
	var a AuthorizationSession
	ok, err := s.load(ctx, s.authKey(id), &a)
	if err != nil || !ok {
		return nil, err
	}
	if s.expired(a.ExpiresAt) {
		return nil, s.DeleteAuth(ctx, id)
	}
	return &a, nil
}

// TakeAuth removes and returns the authorization session using GETDEL, so two
// concurrent callbacks cannot both consume it.
func (s *RedisStore) TakeAuth(ctx context.Context, id string) (*AuthorizationSession, error) {
	b, err := s.client.GetDel(ctx, s.authKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take session: %w", err)
	}
	var a AuthorizationSession
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.expired(a.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &a, nil
}

// DeleteAuth removes an authorization session.
func (s *RedisStore) DeleteAuth(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.authKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CreateUser stores a new user session and returns its id.
func (s *RedisStore) CreateUser(ctx context.Context, in NewUserSession) (string, error) {
	u, err := s.newUser(in)
	if err != nil {
		return "", err
	}
	if err := s.put(ctx, s.userKey(u.ID), u, u.ExpiresAt); err != nil {
		return "", err
	}
	return u.ID, nil
}

// GetUser returns the user session, or nil if missing or expired.
func (s *RedisStore) GetUser(ctx context.Context, id string) (*UserSession, error) {
	var u UserSession
	key := s.userKey(id)
	ok, err := s.load(ctx, key, &u)
	if err != nil || !ok {
		return nil, err
	}
	if s.expired(u.ExpiresAt) {
		return nil, s.DeleteUser(ctx, id)
	}
	u.LastAccessed = s.now()
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	// XX keeps a concurrent delete from being undone by the touch.
	err = s.client.SetArgs(ctx, key, b, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return &u, nil
}

// DeleteUser removes a user session.
func (s *RedisStore) DeleteUser(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.userKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
