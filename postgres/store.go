// Package postgres implements the credential store on a transactional
// Postgres backing store via gorm. Every public operation is a single
// transaction: load the row under a row-level lock, mutate, commit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/elskow/credstore"
)

type Store struct {
	db      *gorm.DB
	log     *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

var _ credstore.Store = (*Store)(nil)

type Option func(*Store)

// WithOperationTimeout bounds each backing-store call when the caller's
// context carries no deadline of its own.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func New(db *gorm.DB, log *zap.Logger, opts ...Option) *Store {
	s := &Store{db: db, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// acquire registers an in-flight operation so Close can drain before
// releasing the handle.
func (s *Store) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed: %w", credstore.ErrStorageUnavailable)
	}
	s.inflight.Add(1)
	return nil
}

func (s *Store) release() {
	s.inflight.Done()
}

func (s *Store) run(ctx context.Context, fn func(db *gorm.DB) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if s.timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
	}
	return fn(s.db.WithContext(ctx))
}

// Close refuses new operations and waits for in-flight ones to drain
// before closing the connection pool. The wait is bounded by ctx.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("close store: %w", ctx.Err())
	}

	s.log.Info("credential store closed")
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps gorm and driver failures onto the store's error kinds.
// Errors that already carry a kind pass through untouched.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, credstore.ErrNotFound),
		errors.Is(err, credstore.ErrAlreadyExists),
		errors.Is(err, credstore.ErrConflict),
		errors.Is(err, credstore.ErrInvalidArgument),
		errors.Is(err, credstore.ErrStorageUnavailable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return credstore.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return credstore.ErrConflict
	default:
		// Connectivity, timeout and cancellation failures are retryable
		// from the caller's point of view.
		return fmt.Errorf("%w: %v", credstore.ErrStorageUnavailable, err)
	}
}

func opError(op string, userID uint, err error) error {
	return fmt.Errorf("%s user=%d: %w", op, userID, translate(err))
}

// lockUser loads the user row under SELECT ... FOR UPDATE so concurrent
// read-modify-write cycles on the same user serialize instead of losing
// updates.
func lockUser(tx *gorm.DB, id uint) (*credstore.User, error) {
	var user credstore.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// mutateUser runs apply against the locked row and commits the result.
func (s *Store) mutateUser(ctx context.Context, op string, id uint, apply func(*credstore.User)) error {
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			user, err := lockUser(tx, id)
			if err != nil {
				return err
			}
			apply(user)
			return tx.Omit(clause.Associations).Save(user).Error
		})
	})
	if err != nil {
		return opError(op, id, err)
	}
	return nil
}

func (s *Store) loadUser(ctx context.Context, op string, id uint) (*credstore.User, error) {
	var user credstore.User
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.First(&user, id).Error
	})
	if err != nil {
		return nil, opError(op, id, err)
	}
	return &user, nil
}

func (s *Store) Create(ctx context.Context, user *credstore.User) error {
	const op = "create user"
	if user == nil {
		return fmt.Errorf("%s: %w: user is nil", op, credstore.ErrInvalidArgument)
	}
	if user.ID != 0 {
		return fmt.Errorf("%s: %w: id %d already assigned", op, credstore.ErrAlreadyExists, user.ID)
	}
	if strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("%s: %w: email is empty", op, credstore.ErrInvalidArgument)
	}

	user.Email = credstore.NormalizeEmail(user.Email)
	if user.SecurityStamp == "" {
		user.SecurityStamp = credstore.NewSecurityStamp()
	}

	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Omit(clause.Associations).Create(user).Error
	})
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, user.Email, translate(err))
	}
	s.log.Debug("user created", zap.Uint("user_id", user.ID), zap.String("email", user.Email))
	return nil
}

func (s *Store) FindByID(ctx context.Context, id uint) (*credstore.User, error) {
	return s.loadUser(ctx, "find user", id)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*credstore.User, error) {
	email = credstore.NormalizeEmail(email)
	var user credstore.User
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Where("email = ?", email).First(&user).Error
	})
	if err != nil {
		return nil, fmt.Errorf("find user by email %q: %w", email, translate(err))
	}
	return &user, nil
}

// Update merges only the mutable field set (email, lockout-enabled)
// into the stored row. All other fields keep their persisted values.
func (s *Store) Update(ctx context.Context, user *credstore.User) error {
	const op = "update user"
	if user == nil {
		return fmt.Errorf("%s: %w: user is nil", op, credstore.ErrInvalidArgument)
	}
	if strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("%s: %w: email is empty", op, credstore.ErrInvalidArgument)
	}

	email := credstore.NormalizeEmail(user.Email)
	return s.mutateUser(ctx, op, user.ID, func(stored *credstore.User) {
		stored.Email = email
		stored.LockoutEnabled = user.LockoutEnabled
	})
}

// Delete removes the user together with its logins, claims and role
// memberships in one transaction.
func (s *Store) Delete(ctx context.Context, user *credstore.User) error {
	const op = "delete user"
	if user == nil {
		return fmt.Errorf("%s: %w: user is nil", op, credstore.ErrInvalidArgument)
	}

	id := user.ID
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			stored, err := lockUser(tx, id)
			if err != nil {
				return err
			}
			if err := tx.Where("user_id = ?", id).Delete(&credstore.Login{}).Error; err != nil {
				return err
			}
			if err := tx.Where("user_id = ?", id).Delete(&credstore.Claim{}).Error; err != nil {
				return err
			}
			if err := tx.Model(stored).Association("Roles").Clear(); err != nil {
				return err
			}
			return tx.Delete(&credstore.User{}, id).Error
		})
	})
	if err != nil {
		return opError(op, id, err)
	}
	s.log.Debug("user deleted", zap.Uint("user_id", id))
	return nil
}

func (s *Store) AddLogin(ctx context.Context, userID uint, provider, key string) error {
	const op = "add login"
	if strings.TrimSpace(provider) == "" {
		return fmt.Errorf("%s: %w: provider is empty", op, credstore.ErrInvalidArgument)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s: %w: provider key is empty", op, credstore.ErrInvalidArgument)
	}

	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&credstore.User{}, userID).Error; err != nil {
				return err
			}
			var existing credstore.Login
			err := tx.Where("provider = ? AND provider_key = ?", provider, key).First(&existing).Error
			if err == nil {
				return fmt.Errorf("%w: login %s/%s already bound to user %d",
					credstore.ErrConflict, provider, key, existing.UserID)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Create(&credstore.Login{
				Provider:    provider,
				ProviderKey: key,
				UserID:      userID,
			}).Error
		})
	})
	if err != nil {
		return opError(op, userID, err)
	}
	return nil
}

func (s *Store) FindByLogin(ctx context.Context, provider, key string) (*credstore.User, error) {
	var user credstore.User
	err := s.run(ctx, func(db *gorm.DB) error {
		var login credstore.Login
		if err := db.Where("provider = ? AND provider_key = ?", provider, key).First(&login).Error; err != nil {
			return err
		}
		return db.First(&user, login.UserID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("find user by login %s/%s: %w", provider, key, translate(err))
	}
	return &user, nil
}

func (s *Store) Logins(ctx context.Context, userID uint) ([]credstore.Login, error) {
	var logins []credstore.Login
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Find(&logins).Error
	})
	if err != nil {
		return nil, opError("list logins", userID, err)
	}
	return logins, nil
}

// RemoveLogin is idempotent: removing a binding that does not exist is
// not an error.
func (s *Store) RemoveLogin(ctx context.Context, userID uint, provider, key string) error {
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Where("provider = ? AND provider_key = ? AND user_id = ?", provider, key, userID).
			Delete(&credstore.Login{}).Error
	})
	if err != nil {
		return opError("remove login", userID, err)
	}
	return nil
}

func (s *Store) AddClaim(ctx context.Context, userID uint, claim credstore.Claim) error {
	const op = "add claim"
	if strings.TrimSpace(claim.Type) == "" {
		return fmt.Errorf("%s: %w: claim type is empty", op, credstore.ErrInvalidArgument)
	}

	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&credstore.User{}, userID).Error; err != nil {
				return err
			}
			return tx.Create(&credstore.Claim{
				UserID: userID,
				Type:   claim.Type,
				Value:  claim.Value,
			}).Error
		})
	})
	if err != nil {
		return opError(op, userID, err)
	}
	return nil
}

func (s *Store) Claims(ctx context.Context, userID uint) ([]credstore.Claim, error) {
	var claims []credstore.Claim
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Find(&claims).Error
	})
	if err != nil {
		return nil, opError("list claims", userID, err)
	}
	return claims, nil
}

// RemoveClaim deletes exactly one claim matching (type, value). Unlike
// login removal this is strict: no match is ErrNotFound.
func (s *Store) RemoveClaim(ctx context.Context, userID uint, claim credstore.Claim) error {
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var stored credstore.Claim
			err := tx.Where("user_id = ? AND type = ? AND value = ?", userID, claim.Type, claim.Value).
				Order("id").
				First(&stored).Error
			if err != nil {
				return err
			}
			return tx.Delete(&credstore.Claim{}, stored.ID).Error
		})
	})
	if err != nil {
		return opError("remove claim", userID, err)
	}
	return nil
}

func (s *Store) CreateRole(ctx context.Context, name string) (*credstore.Role, error) {
	const op = "create role"
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%s: %w: name is empty", op, credstore.ErrInvalidArgument)
	}

	role := credstore.Role{Name: name}
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Create(&role).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", op, name, translate(err))
	}
	return &role, nil
}

func (s *Store) AddToRole(ctx context.Context, userID uint, roleName string) error {
	const op = "add to role"
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			user, err := lockUser(tx, userID)
			if err != nil {
				return err
			}
			var role credstore.Role
			if err := tx.Where("name = ?", roleName).First(&role).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: role %q", credstore.ErrNotFound, roleName)
				}
				return err
			}
			// Append upserts the join row, so an existing membership is a
			// no-op.
			return tx.Model(user).Association("Roles").Append(&role)
		})
	})
	if err != nil {
		return opError(op, userID, err)
	}
	return nil
}

func (s *Store) Roles(ctx context.Context, userID uint) ([]string, error) {
	var names []string
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Model(&credstore.Role{}).
			Joins("JOIN user_roles ON user_roles.role_id = roles.id").
			Where("user_roles.user_id = ?", userID).
			Order("roles.name").
			Pluck("roles.name", &names).Error
	})
	if err != nil {
		return nil, opError("list roles", userID, err)
	}
	return names, nil
}

func (s *Store) IsInRole(ctx context.Context, userID uint, roleName string) (bool, error) {
	var count int64
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Model(&credstore.Role{}).
			Joins("JOIN user_roles ON user_roles.role_id = roles.id").
			Where("user_roles.user_id = ? AND roles.name = ?", userID, roleName).
			Count(&count).Error
	})
	if err != nil {
		return false, opError("check role", userID, err)
	}
	return count > 0, nil
}

// RemoveFromRole is idempotent: an absent user, role or membership is a
// no-op.
func (s *Store) RemoveFromRole(ctx context.Context, userID uint, roleName string) error {
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			user, err := lockUser(tx, userID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var role credstore.Role
			if err := tx.Where("name = ?", roleName).First(&role).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			return tx.Model(user).Association("Roles").Delete(&role)
		})
	})
	if err != nil {
		return opError("remove from role", userID, err)
	}
	return nil
}

func (s *Store) PasswordHash(ctx context.Context, userID uint) (string, error) {
	user, err := s.loadUser(ctx, "get password hash", userID)
	if err != nil {
		return "", err
	}
	return user.PasswordHash, nil
}

func (s *Store) SetPasswordHash(ctx context.Context, userID uint, hash string) error {
	return s.mutateUser(ctx, "set password hash", userID, func(u *credstore.User) {
		u.PasswordHash = hash
	})
}

func (s *Store) HasPassword(ctx context.Context, userID uint) (bool, error) {
	user, err := s.loadUser(ctx, "check password", userID)
	if err != nil {
		return false, err
	}
	return user.HasPassword(), nil
}

func (s *Store) SecurityStamp(ctx context.Context, userID uint) (string, error) {
	user, err := s.loadUser(ctx, "get security stamp", userID)
	if err != nil {
		return "", err
	}
	return user.SecurityStamp, nil
}

func (s *Store) SetSecurityStamp(ctx context.Context, userID uint, stamp string) error {
	return s.mutateUser(ctx, "set security stamp", userID, func(u *credstore.User) {
		u.SecurityStamp = stamp
	})
}

// LockoutEnd returns nil for an absent user; the lockout getters are
// deliberately permissive, unlike the two-factor and phone accessors.
func (s *Store) LockoutEnd(ctx context.Context, userID uint) (*time.Time, error) {
	user, err := s.loadUser(ctx, "get lockout end", userID)
	if errors.Is(err, credstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user.LockoutEnd, nil
}

func (s *Store) SetLockoutEnd(ctx context.Context, userID uint, end *time.Time) error {
	return s.mutateUser(ctx, "set lockout end", userID, func(u *credstore.User) {
		u.LockoutEnd = end
	})
}

// LockoutEnabled defaults to true for an absent user.
func (s *Store) LockoutEnabled(ctx context.Context, userID uint) (bool, error) {
	user, err := s.loadUser(ctx, "get lockout enabled", userID)
	if errors.Is(err, credstore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return user.LockoutEnabled, nil
}

func (s *Store) SetLockoutEnabled(ctx context.Context, userID uint, enabled bool) error {
	return s.mutateUser(ctx, "set lockout enabled", userID, func(u *credstore.User) {
		u.LockoutEnabled = enabled
	})
}

// AccessFailedCount returns zero for an absent user.
func (s *Store) AccessFailedCount(ctx context.Context, userID uint) (int, error) {
	user, err := s.loadUser(ctx, "get access failed count", userID)
	if errors.Is(err, credstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return user.AccessFailedCount, nil
}

func (s *Store) IncrementAccessFailedCount(ctx context.Context, userID uint) (int, error) {
	const op = "increment access failed count"
	var count int
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			user, err := lockUser(tx, userID)
			if err != nil {
				return err
			}
			user.AccessFailedCount++
			count = user.AccessFailedCount
			return tx.Omit(clause.Associations).Save(user).Error
		})
	})
	if err != nil {
		return 0, opError(op, userID, err)
	}
	return count, nil
}

func (s *Store) ResetAccessFailedCount(ctx context.Context, userID uint) error {
	return s.mutateUser(ctx, "reset access failed count", userID, func(u *credstore.User) {
		u.AccessFailedCount = 0
	})
}

func (s *Store) TwoFactorEnabled(ctx context.Context, userID uint) (bool, error) {
	user, err := s.loadUser(ctx, "get two-factor enabled", userID)
	if err != nil {
		return false, err
	}
	return user.TwoFactorEnabled, nil
}

func (s *Store) SetTwoFactorEnabled(ctx context.Context, userID uint, enabled bool) error {
	return s.mutateUser(ctx, "set two-factor enabled", userID, func(u *credstore.User) {
		u.TwoFactorEnabled = enabled
	})
}

func (s *Store) PhoneNumber(ctx context.Context, userID uint) (string, error) {
	user, err := s.loadUser(ctx, "get phone number", userID)
	if err != nil {
		return "", err
	}
	return user.PhoneNumber, nil
}

func (s *Store) SetPhoneNumber(ctx context.Context, userID uint, number string) error {
	return s.mutateUser(ctx, "set phone number", userID, func(u *credstore.User) {
		u.PhoneNumber = number
	})
}

func (s *Store) PhoneConfirmed(ctx context.Context, userID uint) (bool, error) {
	user, err := s.loadUser(ctx, "get phone confirmed", userID)
	if err != nil {
		return false, err
	}
	return user.PhoneConfirmed, nil
}

func (s *Store) SetPhoneConfirmed(ctx context.Context, userID uint, confirmed bool) error {
	return s.mutateUser(ctx, "set phone confirmed", userID, func(u *credstore.User) {
		u.PhoneConfirmed = confirmed
	})
}
