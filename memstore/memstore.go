// Package memstore implements the credential store in process memory.
// It backs tests and embedded use; semantics match the Postgres store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elskow/credstore"
)

type loginKey struct {
	provider string
	key      string
}

type Store struct {
	mu sync.RWMutex

	// Ids are monotonic and never reused after deletion.
	nextUserID  uint
	nextRoleID  uint
	nextClaimID uint

	users       map[uint]*credstore.User
	emails      map[string]uint
	roles       map[uint]*credstore.Role
	roleNames   map[string]uint
	memberships map[uint]map[uint]struct{}
	logins      map[loginKey]uint
	claims      map[uint]credstore.Claim

	closed bool
}

var _ credstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[uint]*credstore.User),
		emails:      make(map[string]uint),
		roles:       make(map[uint]*credstore.Role),
		roleNames:   make(map[string]uint),
		memberships: make(map[uint]map[uint]struct{}),
		logins:      make(map[loginKey]uint),
		claims:      make(map[uint]credstore.Claim),
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("store is closed: %w", credstore.ErrStorageUnavailable)
	}
	return nil
}

// Close marks the store closed. Operations hold the lock for their full
// duration, so taking the write lock is the drain.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// cloneUser copies the stored row so callers cannot mutate state behind
// the lock.
func cloneUser(u *credstore.User) *credstore.User {
	c := *u
	c.Roles = nil
	if u.LockoutEnd != nil {
		end := *u.LockoutEnd
		c.LockoutEnd = &end
	}
	return &c
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	email := credstore.NormalizeEmail(user.Email)
	if _, taken := s.emails[email]; taken {
		return fmt.Errorf("%s %q: %w", op, email, credstore.ErrConflict)
	}

	s.nextUserID++
	user.ID = s.nextUserID
	user.Email = email
	if user.SecurityStamp == "" {
		user.SecurityStamp = credstore.NewSecurityStamp()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	s.users[user.ID] = cloneUser(user)
	s.emails[email] = user.ID
	return nil
}

func (s *Store) FindByID(ctx context.Context, id uint) (*credstore.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("find user user=%d: %w", id, credstore.ErrNotFound)
	}
	return cloneUser(user), nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*credstore.User, error) {
	email = credstore.NormalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id, ok := s.emails[email]
	if !ok {
		return nil, fmt.Errorf("find user by email %q: %w", email, credstore.ErrNotFound)
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) Update(ctx context.Context, user *credstore.User) error {
	const op = "update user"
	if user == nil {
		return fmt.Errorf("%s: %w: user is nil", op, credstore.ErrInvalidArgument)
	}
	if strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("%s: %w: email is empty", op, credstore.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	stored, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%s user=%d: %w", op, user.ID, credstore.ErrNotFound)
	}

	email := credstore.NormalizeEmail(user.Email)
	if other, taken := s.emails[email]; taken && other != user.ID {
		return fmt.Errorf("%s %q: %w", op, email, credstore.ErrConflict)
	}

	delete(s.emails, stored.Email)
	stored.Email = email
	stored.LockoutEnabled = user.LockoutEnabled
	stored.UpdatedAt = time.Now()
	s.emails[email] = user.ID
	return nil
}

func (s *Store) Delete(ctx context.Context, user *credstore.User) error {
	const op = "delete user"
	if user == nil {
		return fmt.Errorf("%s: %w: user is nil", op, credstore.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	stored, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%s user=%d: %w", op, user.ID, credstore.ErrNotFound)
	}

	for key, owner := range s.logins {
		if owner == user.ID {
			delete(s.logins, key)
		}
	}
	for id, claim := range s.claims {
		if claim.UserID == user.ID {
			delete(s.claims, id)
		}
	}
	delete(s.memberships, user.ID)
	delete(s.emails, stored.Email)
	delete(s.users, user.ID)
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%s user=%d: %w", op, userID, credstore.ErrNotFound)
	}

	lk := loginKey{provider: provider, key: key}
	if owner, bound := s.logins[lk]; bound {
		return fmt.Errorf("%s user=%d: %w: login %s/%s already bound to user %d",
			op, userID, credstore.ErrConflict, provider, key, owner)
	}
	s.logins[lk] = userID
	return nil
}

func (s *Store) FindByLogin(ctx context.Context, provider, key string) (*credstore.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id, ok := s.logins[loginKey{provider: provider, key: key}]
	if !ok {
		return nil, fmt.Errorf("find user by login %s/%s: %w", provider, key, credstore.ErrNotFound)
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) Logins(ctx context.Context, userID uint) ([]credstore.Login, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var logins []credstore.Login
	for key, owner := range s.logins {
		if owner == userID {
			logins = append(logins, credstore.Login{
				Provider:    key.provider,
				ProviderKey: key.key,
				UserID:      userID,
			})
		}
	}
	return logins, nil
}

func (s *Store) RemoveLogin(ctx context.Context, userID uint, provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	lk := loginKey{provider: provider, key: key}
	if owner, bound := s.logins[lk]; bound && owner == userID {
		delete(s.logins, lk)
	}
	return nil
}

func (s *Store) AddClaim(ctx context.Context, userID uint, claim credstore.Claim) error {
	const op = "add claim"
	if strings.TrimSpace(claim.Type) == "" {
		return fmt.Errorf("%s: %w: claim type is empty", op, credstore.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%s user=%d: %w", op, userID, credstore.ErrNotFound)
	}

	s.nextClaimID++
	s.claims[s.nextClaimID] = credstore.Claim{
		ID:     s.nextClaimID,
		UserID: userID,
		Type:   claim.Type,
		Value:  claim.Value,
	}
	return nil
}

func (s *Store) Claims(ctx context.Context, userID uint) ([]credstore.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var claims []credstore.Claim
	for _, claim := range s.claims {
		if claim.UserID == userID {
			claims = append(claims, claim)
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })
	return claims, nil
}

func (s *Store) RemoveClaim(ctx context.Context, userID uint, claim credstore.Claim) error {
	const op = "remove claim"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	// Remove the oldest matching claim only.
	match := uint(0)
	for id, stored := range s.claims {
		if stored.UserID != userID || stored.Type != claim.Type || stored.Value != claim.Value {
			continue
		}
		if match == 0 || id < match {
			match = id
		}
	}
	if match == 0 {
		return fmt.Errorf("%s user=%d: %w", op, userID, credstore.ErrNotFound)
	}
	delete(s.claims, match)
	return nil
}

func (s *Store) CreateRole(ctx context.Context, name string) (*credstore.Role, error) {
	const op = "create role"
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%s: %w: name is empty", op, credstore.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if _, taken := s.roleNames[name]; taken {
		return nil, fmt.Errorf("%s %q: %w", op, name, credstore.ErrConflict)
	}

	s.nextRoleID++
	role := &credstore.Role{ID: s.nextRoleID, Name: name}
	s.roles[role.ID] = role
	s.roleNames[name] = role.ID
	out := *role
	return &out, nil
}

func (s *Store) AddToRole(ctx context.Context, userID uint, roleName string) error {
	const op = "add to role"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%s user=%d: %w", op, userID, credstore.ErrNotFound)
	}
	roleID, ok := s.roleNames[roleName]
	if !ok {
		return fmt.Errorf("%s user=%d: %w: role %q", op, userID, credstore.ErrNotFound, roleName)
	}

	if s.memberships[userID] == nil {
		s.memberships[userID] = make(map[uint]struct{})
	}
	s.memberships[userID][roleID] = struct{}{}
	return nil
}

func (s *Store) Roles(ctx context.Context, userID uint) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var names []string
	for roleID := range s.memberships[userID] {
		names = append(names, s.roles[roleID].Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) IsInRole(ctx context.Context, userID uint, roleName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	roleID, ok := s.roleNames[roleName]
	if !ok {
		return false, nil
	}
	_, member := s.memberships[userID][roleID]
	return member, nil
}

func (s *Store) RemoveFromRole(ctx context.Context, userID uint, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if roleID, ok := s.roleNames[roleName]; ok {
		delete(s.memberships[userID], roleID)
	}
	return nil
}

// mutate applies fn to the stored row under the write lock, or returns
// ErrNotFound.
func (s *Store) mutate(op string, userID uint, fn func(*credstore.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%s user=%d: %w", op, userID, credstore.ErrNotFound)
	}
	fn(user)
	user.UpdatedAt = time.Now()
	return nil
}

func (s *Store) PasswordHash(ctx context.Context, userID uint) (string, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.PasswordHash, nil
}

func (s *Store) SetPasswordHash(ctx context.Context, userID uint, hash string) error {
	return s.mutate("set password hash", userID, func(u *credstore.User) {
		u.PasswordHash = hash
	})
}

func (s *Store) HasPassword(ctx context.Context, userID uint) (bool, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.HasPassword(), nil
}

func (s *Store) SecurityStamp(ctx context.Context, userID uint) (string, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.SecurityStamp, nil
}

func (s *Store) SetSecurityStamp(ctx context.Context, userID uint, stamp string) error {
	return s.mutate("set security stamp", userID, func(u *credstore.User) {
		u.SecurityStamp = stamp
	})
}

func (s *Store) LockoutEnd(ctx context.Context, userID uint) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	user, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	if user.LockoutEnd == nil {
		return nil, nil
	}
	end := *user.LockoutEnd
	return &end, nil
}

func (s *Store) SetLockoutEnd(ctx context.Context, userID uint, end *time.Time) error {
	return s.mutate("set lockout end", userID, func(u *credstore.User) {
		if end == nil {
			u.LockoutEnd = nil
			return
		}
		v := *end
		u.LockoutEnd = &v
	})
}

// LockoutEnabled defaults to true for an absent user.
func (s *Store) LockoutEnabled(ctx context.Context, userID uint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	user, ok := s.users[userID]
	if !ok {
		return true, nil
	}
	return user.LockoutEnabled, nil
}

func (s *Store) SetLockoutEnabled(ctx context.Context, userID uint, enabled bool) error {
	return s.mutate("set lockout enabled", userID, func(u *credstore.User) {
		u.LockoutEnabled = enabled
	})
}

func (s *Store) AccessFailedCount(ctx context.Context, userID uint) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	user, ok := s.users[userID]
	if !ok {
		return 0, nil
	}
	return user.AccessFailedCount, nil
}

func (s *Store) IncrementAccessFailedCount(ctx context.Context, userID uint) (int, error) {
	var count int
	err := s.mutate("increment access failed count", userID, func(u *credstore.User) {
		u.AccessFailedCount++
		count = u.AccessFailedCount
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ResetAccessFailedCount(ctx context.Context, userID uint) error {
	return s.mutate("reset access failed count", userID, func(u *credstore.User) {
		u.AccessFailedCount = 0
	})
}

func (s *Store) TwoFactorEnabled(ctx context.Context, userID uint) (bool, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.TwoFactorEnabled, nil
}

func (s *Store) SetTwoFactorEnabled(ctx context.Context, userID uint, enabled bool) error {
	return s.mutate("set two-factor enabled", userID, func(u *credstore.User) {
		u.TwoFactorEnabled = enabled
	})
}

func (s *Store) PhoneNumber(ctx context.Context, userID uint) (string, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.PhoneNumber, nil
}

func (s *Store) SetPhoneNumber(ctx context.Context, userID uint, number string) error {
	return s.mutate("set phone number", userID, func(u *credstore.User) {
		u.PhoneNumber = number
	})
}

func (s *Store) PhoneConfirmed(ctx context.Context, userID uint) (bool, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.PhoneConfirmed, nil
}

func (s *Store) SetPhoneConfirmed(ctx context.Context, userID uint, confirmed bool) error {
	return s.mutate("set phone confirmed", userID, func(u *credstore.User) {
		u.PhoneConfirmed = confirmed
	})
}
