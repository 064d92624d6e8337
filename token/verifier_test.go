package token_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcbff/keys"
	"oidcbff/keys/keystest"
	"oidcbff/token"
)

type countingSource struct {
	inner *keys.Cache
	calls atomic.Int64
}

func (c *countingSource) Fetch(ctx context.Context, issuer string) (*keys.KeySet, error) {
	c.calls.Add(1)
	return c.inner.Fetch(ctx, issuer)
}

type fixture struct {
	issuer *keystest.Issuer
	cache  *keys.Cache
	source *countingSource
	now    time.Time
}

func newFixture(t *testing.T, cacheOpts ...keys.Option) *fixture {
	t.Helper()
	iss := keystest.NewIssuer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := keys.NewResolver([]keys.Issuer{{Issuer: iss.URL, JWKSURL: iss.JWKSURL()}}, nil)
	cache := keys.NewCache(resolver, logger, cacheOpts...)
	return &fixture{
		issuer: iss,
		cache:  cache,
		source: &countingSource{inner: cache},
		now:    time.Unix(time.Now().Unix(), 0),
	}
}

func (f *fixture) verifier(cfg token.Config) *token.Verifier {
	return token.NewVerifier(f.source, cfg, token.WithClock(func() time.Time { return f.now }))
}

func TestVerifyReturnsClaims(t *testing.T) {
	f := newFixture(t)
	claims := f.issuer.Claims("user-1", "api")
	claims["scope"] = "read write"
	claims["email"] = "u@example.com"
	claims["email_verified"] = true
	raw := f.issuer.Sign(t, claims)

	got, err := f.verifier(token.Config{Audiences: []string{"api"}}).Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, f.issuer.URL, got.Issuer)
	assert.Equal(t, "user-1", got.Subject)
	assert.Equal(t, []string{"api"}, []string(got.Audience))
	assert.Equal(t, token.StringList{"read write"}, got.Scope)
	assert.True(t, got.EmailVerified)
	assert.Equal(t, "u@example.com", got.String("email"))
}

func TestVerifyRejectsDisallowedAlgorithmWithoutFetching(t *testing.T) {
	f := newFixture(t)
	claims := f.issuer.Claims("user-1")

	hs := keystest.SignWith(t, jwt.SigningMethodHS256, []byte("shared-secret"), "", claims)
	_, err := f.verifier(token.Config{}).Verify(context.Background(), hs)
	require.ErrorIs(t, err, token.ErrDisallowedAlgorithm)

	none := keystest.SignWith(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "", claims)
	_, err = f.verifier(token.Config{Algorithms: []string{"none", "RS256"}}).Verify(context.Background(), none)
	require.ErrorIs(t, err, token.ErrDisallowedAlgorithm)

	assert.Zero(t, f.source.calls.Load())
	assert.Zero(t, f.issuer.Fetches())
}

func TestAllowedAlgorithmsNeverContainNone(t *testing.T) {
	assert.Equal(t, []string{"RS256", "ES256"}, token.AllowedAlgorithms([]string{"none", "RS256", "NONE", "ES256", "RS256", "bogus"}))
	assert.Equal(t, token.DefaultAlgorithms, token.AllowedAlgorithms([]string{"none"}))
	assert.Equal(t, token.DefaultAlgorithms, token.AllowedAlgorithms(nil))
}

func TestVerifyMalformed(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(token.Config{})
	for _, raw := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.e30.sig"} {
		_, err := v.Verify(context.Background(), raw)
		assert.ErrorIs(t, err, token.ErrMalformedToken, "token %q", raw)
	}
	assert.Zero(t, f.source.calls.Load())
}

func TestVerifyMissingAndUnknownIssuer(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(token.Config{})

	claims := f.issuer.Claims("user-1")
	delete(claims, "iss")
	_, err := v.Verify(context.Background(), f.issuer.Sign(t, claims))
	require.ErrorIs(t, err, token.ErrMissingIssuer)

	claims = f.issuer.Claims("user-1")
	claims["iss"] = "https://untrusted.example.com"
	_, err = v.Verify(context.Background(), f.issuer.Sign(t, claims))
	require.ErrorIs(t, err, token.ErrUnknownIssuer)
}

func TestVerifyKeyFetchFailure(t *testing.T) {
	f := newFixture(t)
	f.issuer.FailJWKS(true)

	_, err := f.verifier(token.Config{}).Verify(context.Background(), f.issuer.Sign(t, f.issuer.Claims("user-1")))
	require.ErrorIs(t, err, token.ErrKeyFetchFailed)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw := keystest.SignWith(t, jwt.SigningMethodRS256, other, f.issuer.Kid(), f.issuer.Claims("user-1"))
	_, err = f.verifier(token.Config{}).Verify(context.Background(), raw)
	require.ErrorIs(t, err, token.ErrSignatureInvalid)

	tampered := f.issuer.Sign(t, f.issuer.Claims("user-1"))
	parts := strings.Split(tampered, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	_, err = f.verifier(token.Config{}).Verify(context.Background(), strings.Join(parts, "."))
	require.ErrorIs(t, err, token.ErrSignatureInvalid)
}

func TestVerifyAudience(t *testing.T) {
	f := newFixture(t)
	raw := f.issuer.Sign(t, f.issuer.Claims("user-1", "web", "api"))
	ctx := context.Background()

	_, err := f.verifier(token.Config{Audiences: []string{"api"}}).Verify(ctx, raw)
	require.NoError(t, err)

	_, err = f.verifier(token.Config{Audiences: []string{"billing"}}).Verify(ctx, raw)
	require.ErrorIs(t, err, token.ErrAudienceMismatch)

	_, err = f.verifier(token.Config{Audiences: []string{"billing"}}).Verify(ctx, raw, "web")
	require.NoError(t, err)

	noAud := f.issuer.Sign(t, f.issuer.Claims("user-1"))
	_, err = f.verifier(token.Config{Audiences: []string{"api"}}).Verify(ctx, noAud)
	require.ErrorIs(t, err, token.ErrAudienceMismatch)
}

func TestVerifyClockSkewBoundaries(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(token.Config{ClockSkew: 60 * time.Second})
	ctx := context.Background()
	now := f.now

	sign := func(mutate func(jwt.MapClaims)) string {
		c := f.issuer.Claims("user-1")
		mutate(c)
		return f.issuer.Sign(t, c)
	}

	_, err := v.Verify(ctx, sign(func(c jwt.MapClaims) { c["exp"] = now.Add(-61 * time.Second).Unix() }))
	require.ErrorIs(t, err, token.ErrTokenExpired)

	_, err = v.Verify(ctx, sign(func(c jwt.MapClaims) { c["exp"] = now.Add(-59 * time.Second).Unix() }))
	require.NoError(t, err)

	_, err = v.Verify(ctx, sign(func(c jwt.MapClaims) { c["nbf"] = now.Add(61 * time.Second).Unix() }))
	require.ErrorIs(t, err, token.ErrTokenNotYetValid)

	_, err = v.Verify(ctx, sign(func(c jwt.MapClaims) { c["nbf"] = now.Add(59 * time.Second).Unix() }))
	require.NoError(t, err)
}

func TestVerifyTriesAllKeysWithoutKid(t *testing.T) {
	f := newFixture(t)
	f.issuer.Rotate(t)

	raw := f.issuer.SignWithoutKid(t, f.issuer.Claims("user-1"))
	got, err := f.verifier(token.Config{}).Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)
}

func TestVerifyRefreshesOnUnknownKid(t *testing.T) {
	cacheNow := time.Now()
	f := newFixture(t, keys.WithClock(func() time.Time { return cacheNow }))
	v := token.NewVerifier(f.cache, token.Config{})
	ctx := context.Background()

	_, err := v.Verify(ctx, f.issuer.Sign(t, f.issuer.Claims("user-1")))
	require.NoError(t, err)

	f.issuer.Rotate(t)
	cacheNow = cacheNow.Add(2 * time.Minute)

	_, err = v.Verify(ctx, f.issuer.Sign(t, f.issuer.Claims("user-1")))
	require.NoError(t, err)
	assert.Equal(t, 2, f.issuer.Fetches())
}

func TestDecodeIDTokenPinsClientAudience(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(token.Config{Audiences: []string{"api"}})
	raw := f.issuer.Sign(t, f.issuer.Claims("user-1", "web-client"))

	_, err := v.DecodeIDToken(context.Background(), raw, "web-client")
	require.NoError(t, err)

	_, err = v.DecodeIDToken(context.Background(), raw, "other-client")
	require.ErrorIs(t, err, token.ErrAudienceMismatch)
}
