package keys_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcbff/keys"
	"oidcbff/keys/keystest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, issuers []keys.Issuer, clock *fakeClock) *keys.Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := keys.NewResolver(issuers, nil)
	return keys.NewCache(resolver, logger, keys.WithClock(clock.Now))
}

func TestFetchServesCachedSetWithinTTL(t *testing.T) {
	iss := keystest.NewIssuer(t)
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{{Issuer: iss.URL, JWKSURL: iss.JWKSURL()}}, clock)
	ctx := context.Background()

	first, err := cache.Fetch(ctx, iss.URL)
	require.NoError(t, err)
	assert.Equal(t, iss.JWKSURL(), first.URL)
	assert.Len(t, first.Lookup(iss.Kid()), 1)

	clock.Advance(59 * time.Minute)
	second, err := cache.Fetch(ctx, iss.URL)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, iss.Fetches())

	clock.Advance(2 * time.Minute)
	third, err := cache.Fetch(ctx, iss.URL)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, iss.Fetches())
}

func TestFetchSharesEntryAcrossIssuerAliases(t *testing.T) {
	iss := keystest.NewIssuer(t)
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{
		{Issuer: iss.URL, JWKSURL: iss.JWKSURL()},
		{Issuer: "https://alias.example.com", JWKSURL: iss.JWKSURL()},
	}, clock)

	_, err := cache.Fetch(context.Background(), iss.URL)
	require.NoError(t, err)
	_, err = cache.Fetch(context.Background(), "https://alias.example.com")
	require.NoError(t, err)

	assert.Equal(t, 1, iss.Fetches())
}

func TestFetchUnknownIssuer(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, nil, clock)

	_, err := cache.Fetch(context.Background(), "https://nobody.example.com")
	require.ErrorIs(t, err, keys.ErrUnknownIssuer)
}

func TestFetchFailureIsReported(t *testing.T) {
	iss := keystest.NewIssuer(t)
	iss.FailJWKS(true)
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{{Issuer: iss.URL, JWKSURL: iss.JWKSURL()}}, clock)

	_, err := cache.Fetch(context.Background(), iss.URL)
	require.ErrorIs(t, err, keys.ErrKeyFetchFailed)

	iss.FailJWKS(false)
	set, err := cache.Fetch(context.Background(), iss.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestFetchRejectsMalformedKeySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys": "nope"}`))
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{{Issuer: "https://issuer.example.com", JWKSURL: srv.URL}}, clock)

	_, err := cache.Fetch(context.Background(), "https://issuer.example.com")
	require.ErrorIs(t, err, keys.ErrKeyFetchFailed)
}

func TestFetchUsesDiscoveryWhenNoURLConfigured(t *testing.T) {
	iss := keystest.NewIssuer(t)
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{{Issuer: iss.URL}}, clock)

	set, err := cache.Fetch(context.Background(), iss.URL)
	require.NoError(t, err)
	assert.Equal(t, iss.JWKSURL(), set.URL)
}

func TestRefreshHonoursMinimumInterval(t *testing.T) {
	iss := keystest.NewIssuer(t)
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{{Issuer: iss.URL, JWKSURL: iss.JWKSURL()}}, clock)
	ctx := context.Background()

	_, err := cache.Fetch(ctx, iss.URL)
	require.NoError(t, err)
	iss.Rotate(t)

	set, err := cache.Refresh(ctx, iss.URL)
	require.NoError(t, err)
	assert.Empty(t, set.Lookup(iss.Kid()))
	assert.Equal(t, 1, iss.Fetches())

	clock.Advance(2 * time.Minute)
	set, err = cache.Refresh(ctx, iss.URL)
	require.NoError(t, err)
	assert.Len(t, set.Lookup(iss.Kid()), 1)
	assert.Equal(t, 2, set.Len())
}

func TestWarmReportsFirstFailure(t *testing.T) {
	good := keystest.NewIssuer(t)
	bad := keystest.NewIssuer(t)
	bad.FailJWKS(true)
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, []keys.Issuer{
		{Issuer: good.URL, JWKSURL: good.JWKSURL()},
		{Issuer: bad.URL, JWKSURL: bad.JWKSURL()},
	}, clock)

	require.NoError(t, cache.Warm(context.Background(), good.URL))
	err := cache.Warm(context.Background(), good.URL, bad.URL)
	require.ErrorIs(t, err, keys.ErrKeyFetchFailed)
}
