package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcbff/session"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	store   session.Store
	advance func(time.Duration)
}

func backends() map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			c := newClock()
			return backend{store: session.NewMemoryStore(session.WithClock(c.Now)), advance: c.Advance}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			c := newClock()
			store := session.NewRedisStoreWithClient(client, "test:", session.WithClock(c.Now))
			return backend{store: store, advance: func(d time.Duration) {
				c.Advance(d)
				mr.FastForward(d)
			}}
		},
	}
}

func TestAuthSessionLifecycle(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			id, err := b.store.CreateAuth(ctx, "verifier-1", "state-1", "google", "/dashboard")
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := b.store.GetAuth(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "verifier-1", got.Verifier)
			assert.Equal(t, "state-1", got.State)
			assert.Equal(t, "google", got.Provider)
			assert.Equal(t, "/dashboard", got.RedirectURI)
			assert.Equal(t, session.DefaultAuthTTL, got.ExpiresAt.Sub(got.CreatedAt))

			taken, err := b.store.TakeAuth(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, taken.ID)

			_, err = b.store.TakeAuth(ctx, id)
			require.ErrorIs(t, err, session.ErrSessionNotFound)

			got, err = b.store.GetAuth(ctx, id)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestAuthSessionExpiresOnRead(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			id, err := b.store.CreateAuth(ctx, "v", "s", "google", "/")
			require.NoError(t, err)

			b.advance(session.DefaultAuthTTL - time.Second)
			got, err := b.store.GetAuth(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)

			b.advance(time.Second)
			for i := 0; i < 2; i++ {
				got, err = b.store.GetAuth(ctx, id)
				require.NoError(t, err)
				assert.Nil(t, got)
			}

			id, err = b.store.CreateAuth(ctx, "v", "s", "google", "/")
			require.NoError(t, err)
			b.advance(session.DefaultAuthTTL)
			_, err = b.store.TakeAuth(ctx, id)
			require.Error(t, err)
			assert.True(t, errorsIsAny(err, session.ErrSessionExpired, session.ErrSessionNotFound))
		})
	}
}

func TestUserSessionLifecycle(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()
			expiry := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

			id, err := b.store.CreateUser(ctx, session.NewUserSession{
				UserID:       "user-1",
				Provider:     "google",
				RefreshToken: "refresh-1",
				AccessToken:  "access-1",
				AccessExpiry: expiry,
			})
			require.NoError(t, err)

			got, err := b.store.GetUser(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "user-1", got.UserID)
			assert.Equal(t, "refresh-1", got.RefreshToken)
			assert.Equal(t, "access-1", got.AccessToken)
			assert.True(t, expiry.Equal(got.AccessExpiry))
			assert.True(t, got.LastAccessed.Equal(got.CreatedAt))
			created := got.CreatedAt

			b.advance(time.Minute)
			got, err = b.store.GetUser(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.LastAccessed.Equal(created.Add(time.Minute)))
			assert.True(t, got.ExpiresAt.Equal(created.Add(session.DefaultUserTTL)), "absolute expiry does not slide")

			require.NoError(t, b.store.DeleteUser(ctx, id))
			got, err = b.store.GetUser(ctx, id)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestUserSessionExpiresOnRead(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			id, err := b.store.CreateUser(ctx, session.NewUserSession{UserID: "u", Provider: "google", AccessToken: "a"})
			require.NoError(t, err)

			b.advance(session.DefaultUserTTL)
			for i := 0; i < 2; i++ {
				got, err := b.store.GetUser(ctx, id)
				require.NoError(t, err)
				assert.Nil(t, got)
			}
		})
	}
}

func TestRedisStoreKeysCarryTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := newClock()
	store := session.NewRedisStoreWithClient(client, "test:", session.WithClock(c.Now), session.WithUserTTL(2*time.Hour))
	ctx := context.Background()

	authID, err := store.CreateAuth(ctx, "v", "s", "google", "/")
	require.NoError(t, err)
	assert.Equal(t, session.DefaultAuthTTL, mr.TTL("test:auth:"+authID))

	userID, err := store.CreateUser(ctx, session.NewUserSession{UserID: "u", Provider: "google"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, mr.TTL("test:user:"+userID))

	c.Advance(time.Minute)
	_, err = store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, mr.TTL("test:user:"+userID), "touch keeps the original TTL")

	require.NoError(t, store.Ping(ctx))
}

// deleteAfterGet drops key from a second connection right after the first GET
// of it returns, standing in for a logout racing a read.
type deleteAfterGet struct {
	key   string
	other *redis.Client
	once  sync.Once
}

func (h *deleteAfterGet) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *deleteAfterGet) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *deleteAfterGet) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		args := cmd.Args()
		if cmd.Name() == "get" && len(args) == 2 && args[1] == h.key {
			h.once.Do(func() { err = errors.Join(err, h.other.Del(ctx, h.key).Err()) })
		}
		return err
	}
}

func TestRedisStoreTouchDoesNotResurrectDeletedSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = other.Close()
	})
	store := session.NewRedisStoreWithClient(client, "test:")
	ctx := context.Background()

	id, err := store.CreateUser(ctx, session.NewUserSession{UserID: "u", Provider: "google"})
	require.NoError(t, err)
	client.AddHook(&deleteAfterGet{key: "test:user:" + id, other: other})

	got, err := store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("test:user:"+id))

	got, err = store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionIDsAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 128; i++ {
		id, err := session.NewID()
		require.NoError(t, err)
		require.Len(t, id, 43)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
