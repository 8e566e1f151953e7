package credstore

import (
	"context"
	"time"
)

// UserStore covers the user lifecycle. Lookups return ErrNotFound for an
// absent user rather than a nil user with a nil error.
type UserStore interface {
	// Create inserts the user and assigns its id. A user that already has
	// an id is rejected with ErrAlreadyExists. An empty security stamp is
	// replaced with a fresh one.
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id uint) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// Update merges only the mutable fields (email, lockout-enabled) into
	// the stored row and persists atomically.
	Update(ctx context.Context, user *User) error
	// Delete removes the user and its logins, claims and role memberships.
	Delete(ctx context.Context, user *User) error
}

// LoginStore manages external provider bindings.
type LoginStore interface {
	// AddLogin binds (provider, key) to the user. Empty provider or key is
	// ErrInvalidArgument; a binding held by any user is ErrConflict.
	AddLogin(ctx context.Context, userID uint, provider, key string) error
	FindByLogin(ctx context.Context, provider, key string) (*User, error)
	Logins(ctx context.Context, userID uint) ([]Login, error)
	// RemoveLogin is idempotent; removing an absent binding is a no-op.
	RemoveLogin(ctx context.Context, userID uint, provider, key string) error
}

// ClaimStore manages user claims. Duplicate claims are permitted.
type ClaimStore interface {
	AddClaim(ctx context.Context, userID uint, claim Claim) error
	Claims(ctx context.Context, userID uint) ([]Claim, error)
	// RemoveClaim removes exactly one claim matching (type, value) and
	// fails with ErrNotFound when none matches.
	RemoveClaim(ctx context.Context, userID uint, claim Claim) error
}

// RoleStore manages roles and user-role membership. Role names are
// matched case-sensitively.
type RoleStore interface {
	CreateRole(ctx context.Context, name string) (*Role, error)
	// AddToRole fails with ErrNotFound when either the user or the named
	// role is absent. Adding an existing membership is a no-op.
	AddToRole(ctx context.Context, userID uint, roleName string) error
	Roles(ctx context.Context, userID uint) ([]string, error)
	IsInRole(ctx context.Context, userID uint, roleName string) (bool, error)
	// RemoveFromRole is idempotent when the user is not a member.
	RemoveFromRole(ctx context.Context, userID uint, roleName string) error
}

type PasswordStore interface {
	PasswordHash(ctx context.Context, userID uint) (string, error)
	SetPasswordHash(ctx context.Context, userID uint, hash string) error
	HasPassword(ctx context.Context, userID uint) (bool, error)
}

type SecurityStampStore interface {
	SecurityStamp(ctx context.Context, userID uint) (string, error)
	SetSecurityStamp(ctx context.Context, userID uint, stamp string) error
}

// LockoutStore tracks the lockout sub-state. The getters are permissive
// for an absent user: lockout-enabled defaults to true, the end timestamp
// to nil and the counter to zero. Threshold enforcement and clock
// comparison belong to the auth layer, not the store.
type LockoutStore interface {
	LockoutEnd(ctx context.Context, userID uint) (*time.Time, error)
	SetLockoutEnd(ctx context.Context, userID uint, end *time.Time) error
	LockoutEnabled(ctx context.Context, userID uint) (bool, error)
	SetLockoutEnabled(ctx context.Context, userID uint, enabled bool) error
	AccessFailedCount(ctx context.Context, userID uint) (int, error)
	// IncrementAccessFailedCount returns the counter value after the
	// increment is committed.
	IncrementAccessFailedCount(ctx context.Context, userID uint) (int, error)
	ResetAccessFailedCount(ctx context.Context, userID uint) error
}

// TwoFactorStore is strict: accessors fail with ErrNotFound for an absent
// user, unlike the lockout getters.
type TwoFactorStore interface {
	TwoFactorEnabled(ctx context.Context, userID uint) (bool, error)
	SetTwoFactorEnabled(ctx context.Context, userID uint, enabled bool) error
}

// PhoneStore is strict in the same way as TwoFactorStore.
type PhoneStore interface {
	PhoneNumber(ctx context.Context, userID uint) (string, error)
	SetPhoneNumber(ctx context.Context, userID uint, number string) error
	PhoneConfirmed(ctx context.Context, userID uint) (bool, error)
	SetPhoneConfirmed(ctx context.Context, userID uint, confirmed bool) error
}

// Store is the full credential-store capability set. Callers should
// depend on the narrowest sub-interface they need.
type Store interface {
	UserStore
	LoginStore
	ClaimStore
	RoleStore
	PasswordStore
	SecurityStampStore
	LockoutStore
	TwoFactorStore
	PhoneStore

	// Close refuses new operations, waits for in-flight ones to drain (or
	// for ctx to expire) and releases the backing handle.
	Close(ctx context.Context) error
}
