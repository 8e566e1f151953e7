package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/credstore"
	"github.com/elskow/credstore/storetest"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) credstore.Store {
		return New()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := New()

	user := &credstore.User{Email: "copy@example.com", LockoutEnabled: true}
	require.NoError(t, store.Create(ctx, user))

	found, err := store.FindByID(ctx, user.ID)
	require.NoError(t, err)

	// Mutating the returned value must not leak into the store.
	found.Email = "tampered@example.com"
	found.AccessFailedCount = 99

	again, err := store.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "copy@example.com", again.Email)
	assert.Zero(t, again.AccessFailedCount)
}

func TestStore_ClaimIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := New()

	user := &credstore.User{Email: "ids@example.com"}
	require.NoError(t, store.Create(ctx, user))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v"}))
	}
	require.NoError(t, store.RemoveClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v"}))
	require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v"}))

	claims, err := store.Claims(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	assert.Less(t, claims[0].ID, claims[1].ID)
	assert.Less(t, claims[1].ID, claims[2].ID)
}
