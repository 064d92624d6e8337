package users_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcbff/users"
)

// Set OIDCBFF_TEST_POSTGRES_DSN to a disposable database to run these.
func openPostgres(t *testing.T) *users.PostgresStore {
	t.Helper()
	dsn := os.Getenv("OIDCBFF_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OIDCBFF_TEST_POSTGRES_DSN not set")
	}
	store, err := users.OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStoreIdentityUniqueness(t *testing.T) {
	store := openPostgres(t)
	ctx := context.Background()
	sub := uuid.NewString()
	uid := "uid-" + sub

	u := &users.User{ID: uuid.NewString(), FirstName: "Ada", Email: "ada@example.com"}
	ident := &users.Identity{Issuer: "https://idp.example.com", Subject: sub, UID: uid, Provider: "corp"}
	require.NoError(t, store.CreateUserWithIdentity(ctx, u, ident))
	assert.False(t, u.CreatedAt.IsZero())

	got, err := store.GetUserByIssuerSubject(ctx, "https://idp.example.com", sub)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Empty(t, got.Phone)

	got, err = store.GetUserByUID(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	dup := &users.User{ID: uuid.NewString()}
	err = store.CreateUserWithIdentity(ctx, dup, &users.Identity{Issuer: "https://idp.example.com", Subject: sub, Provider: "corp"})
	require.ErrorIs(t, err, users.ErrIdentityExists)
	_, err = store.GetUserByID(ctx, dup.ID)
	require.ErrorIs(t, err, users.ErrNotFound, "user row rolled back with the identity")

	last := "Lovelace"
	updated, err := store.UpdateContact(ctx, u.ID, users.ContactUpdate{LastName: &last})
	require.NoError(t, err)
	assert.Equal(t, "Ada", updated.FirstName)
	assert.Equal(t, "Lovelace", updated.LastName)

	_, err = store.GetUserByID(ctx, "not-a-uuid")
	require.ErrorIs(t, err, users.ErrNotFound)
}

func TestPostgresConcurrentProvisioning(t *testing.T) {
	store := openPostgres(t)
	p := newProvisioner(store, "")
	c := claims(t, map[string]any{"iss": "https://idp.example.com", "sub": uuid.NewString()})

	results := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			u, err := p.Provision(context.Background(), c, "corp")
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- u.ID
		}()
	}
	first := <-results
	for i := 1; i < 8; i++ {
		assert.Equal(t, first, <-results)
	}
}
