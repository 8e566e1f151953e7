package credstore

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID                uint   `gorm:"primaryKey"`
	Email             string `gorm:"uniqueIndex;not null"`
	PasswordHash      string
	SecurityStamp     string
	LockoutEnabled    bool `gorm:"default:true"`
	LockoutEnd        *time.Time
	AccessFailedCount int  `gorm:"not null;default:0"`
	TwoFactorEnabled  bool `gorm:"default:false"`
	PhoneNumber       string
	PhoneConfirmed    bool    `gorm:"default:false"`
	Roles             []*Role `gorm:"many2many:user_roles;constraint:OnDelete:CASCADE"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (User) TableName() string {
	return "users"
}

// HasPassword reports whether a non-empty password hash is stored.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

type Role struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`
}

func (Role) TableName() string {
	return "roles"
}

// Login binds an external provider identity to a user. The
// (provider, provider key) pair is unique across the store.
type Login struct {
	Provider    string `gorm:"primaryKey"`
	ProviderKey string `gorm:"primaryKey"`
	UserID      uint   `gorm:"not null;index"`
}

func (Login) TableName() string {
	return "logins"
}

// Claim is a typed key/value assertion about a user. Claims are not
// unique-constrained; a user may hold duplicates.
type Claim struct {
	ID     uint   `gorm:"primaryKey"`
	UserID uint   `gorm:"not null;index"`
	Type   string `gorm:"not null"`
	Value  string
}

func (Claim) TableName() string {
	return "claims"
}

// NormalizeEmail applies the store's casing policy. Emails are stored
// and looked up lowercase.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewSecurityStamp returns a fresh opaque stamp. The auth layer rotates
// it on every credential-affecting change to invalidate sessions.
func NewSecurityStamp() string {
	return uuid.NewString()
}

// Models lists every persisted entity, in migration order.
func Models() []any {
	return []any{&User{}, &Role{}, &Login{}, &Claim{}}
}
