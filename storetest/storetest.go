// Package storetest exercises the credential-store contract against any
// Store implementation. Both the in-memory and the Postgres stores run
// this suite.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/credstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) credstore.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("UserLifecycle", func(t *testing.T) { testUserLifecycle(t, newStore) })
	t.Run("Logins", func(t *testing.T) { testLogins(t, newStore) })
	t.Run("Claims", func(t *testing.T) { testClaims(t, newStore) })
	t.Run("Roles", func(t *testing.T) { testRoles(t, newStore) })
	t.Run("PasswordAndStamp", func(t *testing.T) { testPasswordAndStamp(t, newStore) })
	t.Run("Lockout", func(t *testing.T) { testLockout(t, newStore) })
	t.Run("TwoFactorAndPhone", func(t *testing.T) { testTwoFactorAndPhone(t, newStore) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, newStore) })
	t.Run("Close", func(t *testing.T) { testClose(t, newStore) })
}

func newUser(email string) *credstore.User {
	return &credstore.User{
		Email:          email,
		PasswordHash:   "hash-" + email,
		LockoutEnabled: true,
	}
}

func mustCreate(t *testing.T, store credstore.Store, email string) *credstore.User {
	t.Helper()
	user := newUser(email)
	require.NoError(t, store.Create(context.Background(), user))
	require.NotZero(t, user.ID)
	return user
}

func testUserLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and find round-trip", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "alice@example.com")

		found, err := store.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)
		assert.Equal(t, "alice@example.com", found.Email)
		assert.Equal(t, user.PasswordHash, found.PasswordHash)
		assert.NotEmpty(t, found.SecurityStamp, "create assigns a stamp")
		assert.True(t, found.LockoutEnabled)
		assert.Zero(t, found.AccessFailedCount)
	})

	t.Run("create rejects assigned id", func(t *testing.T) {
		store := newStore(t)
		err := store.Create(ctx, &credstore.User{ID: 7, Email: "x@example.com"})
		assert.ErrorIs(t, err, credstore.ErrAlreadyExists)
	})

	t.Run("create rejects empty email", func(t *testing.T) {
		store := newStore(t)
		err := store.Create(ctx, &credstore.User{Email: "   "})
		assert.ErrorIs(t, err, credstore.ErrInvalidArgument)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		store := newStore(t)
		mustCreate(t, store, "dup@example.com")
		err := store.Create(ctx, newUser("DUP@example.com"))
		assert.ErrorIs(t, err, credstore.ErrConflict)
	})

	t.Run("email lookup is case-insensitive", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "Bob@Example.COM")

		found, err := store.FindByEmail(ctx, "bob@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)

		found, err = store.FindByEmail(ctx, "BOB@EXAMPLE.COM")
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)
	})

	t.Run("find absent is not-found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.FindByID(ctx, 9999)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
		_, err = store.FindByEmail(ctx, "ghost@example.com")
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("update merges only email and lockout flag", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "carol@example.com")

		user.Email = "carol2@example.com"
		user.LockoutEnabled = false
		user.PasswordHash = "should-not-be-written"
		user.AccessFailedCount = 42
		require.NoError(t, store.Update(ctx, user))

		stored, err := store.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "carol2@example.com", stored.Email)
		assert.False(t, stored.LockoutEnabled)
		assert.Equal(t, "hash-carol@example.com", stored.PasswordHash)
		assert.Zero(t, stored.AccessFailedCount)
	})

	t.Run("update absent user is not-found", func(t *testing.T) {
		store := newStore(t)
		err := store.Update(ctx, &credstore.User{ID: 404, Email: "a@b.c"})
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("delete cascades logins claims and memberships", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "dave@example.com")
		_, err := store.CreateRole(ctx, "Admin")
		require.NoError(t, err)
		require.NoError(t, store.AddLogin(ctx, user.ID, "google", "g-123"))
		require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "dept", Value: "eng"}))
		require.NoError(t, store.AddToRole(ctx, user.ID, "Admin"))

		require.NoError(t, store.Delete(ctx, user))

		_, err = store.FindByID(ctx, user.ID)
		assert.ErrorIs(t, err, credstore.ErrNotFound)

		logins, err := store.Logins(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, logins)

		claims, err := store.Claims(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, claims)

		roles, err := store.Roles(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, roles)

		_, err = store.FindByLogin(ctx, "google", "g-123")
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("ids are not reused after delete", func(t *testing.T) {
		store := newStore(t)
		first := mustCreate(t, store, "reuse1@example.com")
		require.NoError(t, store.Delete(ctx, first))
		second := mustCreate(t, store, "reuse2@example.com")
		assert.Greater(t, second.ID, first.ID)
	})
}

func testLogins(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("add then find", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "login@example.com")
		require.NoError(t, store.AddLogin(ctx, user.ID, "github", "gh-42"))

		found, err := store.FindByLogin(ctx, "github", "gh-42")
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)
	})

	t.Run("empty provider or key is invalid", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "login2@example.com")
		assert.ErrorIs(t, store.AddLogin(ctx, user.ID, "", "key"), credstore.ErrInvalidArgument)
		assert.ErrorIs(t, store.AddLogin(ctx, user.ID, "github", " "), credstore.ErrInvalidArgument)
	})

	t.Run("add to absent user is not-found", func(t *testing.T) {
		store := newStore(t)
		err := store.AddLogin(ctx, 404, "github", "gh-404")
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("duplicate binding conflicts", func(t *testing.T) {
		store := newStore(t)
		a := mustCreate(t, store, "a@example.com")
		b := mustCreate(t, store, "b@example.com")
		require.NoError(t, store.AddLogin(ctx, a.ID, "github", "shared"))

		err := store.AddLogin(ctx, b.ID, "github", "shared")
		assert.ErrorIs(t, err, credstore.ErrConflict)

		err = store.AddLogin(ctx, a.ID, "github", "shared")
		assert.ErrorIs(t, err, credstore.ErrConflict)
	})

	t.Run("list and remove", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "multi@example.com")
		require.NoError(t, store.AddLogin(ctx, user.ID, "github", "gh-1"))
		require.NoError(t, store.AddLogin(ctx, user.ID, "google", "go-1"))

		logins, err := store.Logins(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, logins, 2)

		require.NoError(t, store.RemoveLogin(ctx, user.ID, "github", "gh-1"))
		_, err = store.FindByLogin(ctx, "github", "gh-1")
		assert.ErrorIs(t, err, credstore.ErrNotFound)

		logins, err = store.Logins(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, logins, 1)
	})

	t.Run("remove absent binding is a no-op", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "noop@example.com")
		assert.NoError(t, store.RemoveLogin(ctx, user.ID, "github", "never-added"))
	})

	t.Run("remove does not touch another user's binding", func(t *testing.T) {
		store := newStore(t)
		a := mustCreate(t, store, "owner@example.com")
		b := mustCreate(t, store, "other@example.com")
		require.NoError(t, store.AddLogin(ctx, a.ID, "github", "gh-owned"))

		require.NoError(t, store.RemoveLogin(ctx, b.ID, "github", "gh-owned"))

		found, err := store.FindByLogin(ctx, "github", "gh-owned")
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)
	})
}

func testClaims(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("duplicates are permitted and removed one at a time", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "claims@example.com")
		require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v1"}))
		require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v2"}))
		require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v1"}))

		claims, err := store.Claims(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, claims, 3)

		require.NoError(t, store.RemoveClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v1"}))

		claims, err = store.Claims(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, claims, 2)

		values := []string{claims[0].Value, claims[1].Value}
		assert.Contains(t, values, "v1")
		assert.Contains(t, values, "v2")
	})

	t.Run("remove without match is not-found", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "strict@example.com")
		require.NoError(t, store.AddClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "v"}))

		err := store.RemoveClaim(ctx, user.ID, credstore.Claim{Type: "t", Value: "other"})
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("empty claim type is invalid", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "ct@example.com")
		err := store.AddClaim(ctx, user.ID, credstore.Claim{Type: "", Value: "v"})
		assert.ErrorIs(t, err, credstore.ErrInvalidArgument)
	})

	t.Run("add to absent user is not-found", func(t *testing.T) {
		store := newStore(t)
		err := store.AddClaim(ctx, 404, credstore.Claim{Type: "t", Value: "v"})
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})
}

func testRoles(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("membership round-trip", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "roles@example.com")
		_, err := store.CreateRole(ctx, "Admin")
		require.NoError(t, err)
		_, err = store.CreateRole(ctx, "Auditor")
		require.NoError(t, err)

		require.NoError(t, store.AddToRole(ctx, user.ID, "Admin"))
		require.NoError(t, store.AddToRole(ctx, user.ID, "Auditor"))

		names, err := store.Roles(ctx, user.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Admin", "Auditor"}, names)

		member, err := store.IsInRole(ctx, user.ID, "Admin")
		require.NoError(t, err)
		assert.True(t, member)

		require.NoError(t, store.RemoveFromRole(ctx, user.ID, "Admin"))
		member, err = store.IsInRole(ctx, user.ID, "Admin")
		require.NoError(t, err)
		assert.False(t, member)
	})

	t.Run("role must pre-exist", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "norole@example.com")
		err := store.AddToRole(ctx, user.ID, "Ghost")
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("user must exist", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateRole(ctx, "Admin")
		require.NoError(t, err)
		err = store.AddToRole(ctx, 404, "Admin")
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("name match is case-sensitive", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "case@example.com")
		_, err := store.CreateRole(ctx, "Admin")
		require.NoError(t, err)
		require.NoError(t, store.AddToRole(ctx, user.ID, "Admin"))

		member, err := store.IsInRole(ctx, user.ID, "admin")
		require.NoError(t, err)
		assert.False(t, member)
	})

	t.Run("adding an existing membership is a no-op", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "twice@example.com")
		_, err := store.CreateRole(ctx, "Admin")
		require.NoError(t, err)
		require.NoError(t, store.AddToRole(ctx, user.ID, "Admin"))
		require.NoError(t, store.AddToRole(ctx, user.ID, "Admin"))

		names, err := store.Roles(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Admin"}, names)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "idem@example.com")
		assert.NoError(t, store.RemoveFromRole(ctx, user.ID, "Never"))
		assert.NoError(t, store.RemoveFromRole(ctx, 404, "Never"))
	})

	t.Run("duplicate role name conflicts", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateRole(ctx, "Admin")
		require.NoError(t, err)
		_, err = store.CreateRole(ctx, "Admin")
		assert.ErrorIs(t, err, credstore.ErrConflict)
	})
}

func testPasswordAndStamp(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("password hash accessors", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "pw@example.com")

		require.NoError(t, store.SetPasswordHash(ctx, user.ID, "new-hash"))
		hash, err := store.PasswordHash(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", hash)

		has, err := store.HasPassword(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, has)

		require.NoError(t, store.SetPasswordHash(ctx, user.ID, ""))
		has, err = store.HasPassword(ctx, user.ID)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("security stamp accessors", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "stamp@example.com")

		stamp := credstore.NewSecurityStamp()
		require.NoError(t, store.SetSecurityStamp(ctx, user.ID, stamp))
		got, err := store.SecurityStamp(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, stamp, got)
	})

	t.Run("absent user fails", func(t *testing.T) {
		store := newStore(t)
		_, err := store.PasswordHash(ctx, 404)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
		assert.ErrorIs(t, store.SetPasswordHash(ctx, 404, "h"), credstore.ErrNotFound)
		_, err = store.SecurityStamp(ctx, 404)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
		assert.ErrorIs(t, store.SetSecurityStamp(ctx, 404, "s"), credstore.ErrNotFound)
	})
}

func testLockout(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("counter increments and resets", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "fail@example.com")

		for want := 1; want <= 3; want++ {
			got, err := store.IncrementAccessFailedCount(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		count, err := store.AccessFailedCount(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		require.NoError(t, store.ResetAccessFailedCount(ctx, user.ID))
		count, err = store.AccessFailedCount(ctx, user.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("lockout end round-trip", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "locked@example.com")

		end := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Second)
		require.NoError(t, store.SetLockoutEnd(ctx, user.ID, &end))

		got, err := store.LockoutEnd(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, end.Equal(got.UTC()))

		require.NoError(t, store.SetLockoutEnd(ctx, user.ID, nil))
		got, err = store.LockoutEnd(ctx, user.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("getters are permissive for an absent user", func(t *testing.T) {
		store := newStore(t)

		enabled, err := store.LockoutEnabled(ctx, 404)
		require.NoError(t, err)
		assert.True(t, enabled, "lockout-enabled defaults to true")

		end, err := store.LockoutEnd(ctx, 404)
		require.NoError(t, err)
		assert.Nil(t, end)

		count, err := store.AccessFailedCount(ctx, 404)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("setters are strict for an absent user", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.SetLockoutEnabled(ctx, 404, false), credstore.ErrNotFound)
		assert.ErrorIs(t, store.SetLockoutEnd(ctx, 404, nil), credstore.ErrNotFound)
		assert.ErrorIs(t, store.ResetAccessFailedCount(ctx, 404), credstore.ErrNotFound)
		_, err := store.IncrementAccessFailedCount(ctx, 404)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
	})
}

func testTwoFactorAndPhone(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("two-factor round-trip", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "tfa@example.com")

		require.NoError(t, store.SetTwoFactorEnabled(ctx, user.ID, true))
		enabled, err := store.TwoFactorEnabled(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, enabled)
	})

	t.Run("phone round-trip", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "phone@example.com")

		require.NoError(t, store.SetPhoneNumber(ctx, user.ID, "+15551234567"))
		require.NoError(t, store.SetPhoneConfirmed(ctx, user.ID, true))

		number, err := store.PhoneNumber(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "+15551234567", number)

		confirmed, err := store.PhoneConfirmed(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, confirmed)
	})

	t.Run("accessors are strict for an absent user", func(t *testing.T) {
		store := newStore(t)

		// Same absent id is permissive for lockout but strict here.
		enabled, err := store.LockoutEnabled(ctx, 404)
		require.NoError(t, err)
		assert.True(t, enabled)

		_, err = store.TwoFactorEnabled(ctx, 404)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
		_, err = store.PhoneNumber(ctx, 404)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
		_, err = store.PhoneConfirmed(ctx, 404)
		assert.ErrorIs(t, err, credstore.ErrNotFound)
		assert.ErrorIs(t, store.SetTwoFactorEnabled(ctx, 404, true), credstore.ErrNotFound)
		assert.ErrorIs(t, store.SetPhoneNumber(ctx, 404, "+1"), credstore.ErrNotFound)
		assert.ErrorIs(t, store.SetPhoneConfirmed(ctx, 404, true), credstore.ErrNotFound)
	})
}

func testConcurrentWrites(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("password and stamp writes both apply", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "race@example.com")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.SetPasswordHash(ctx, user.ID, "concurrent-hash"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.SetSecurityStamp(ctx, user.ID, "concurrent-stamp"))
		}()
		wg.Wait()

		stored, err := store.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "concurrent-hash", stored.PasswordHash)
		assert.Equal(t, "concurrent-stamp", stored.SecurityStamp)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		store := newStore(t)
		user := mustCreate(t, store, "count@example.com")

		const n = 8
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := store.IncrementAccessFailedCount(ctx, user.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		count, err := store.AccessFailedCount(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, n, count)
	})
}

func testClose(t *testing.T, newStore Factory) {
	ctx := context.Background()

	store := newStore(t)
	user := mustCreate(t, store, "bye@example.com")
	require.NoError(t, store.Close(ctx))

	_, err := store.FindByID(ctx, user.ID)
	assert.ErrorIs(t, err, credstore.ErrStorageUnavailable,
		fmt.Sprintf("reads after close must be refused, got %v", err))
	assert.ErrorIs(t, store.SetPasswordHash(ctx, user.ID, "h"), credstore.ErrStorageUnavailable)
	assert.NoError(t, store.Close(ctx), "close is idempotent")
}
