package credstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  string
	}{
		{
			name:  "already lowercase",
			email: "alice@example.com",
			want:  "alice@example.com",
		},
		{
			name:  "mixed case",
			email: "Alice@Example.COM",
			want:  "alice@example.com",
		},
		{
			name:  "surrounding whitespace",
			email: "  bob@example.com \n",
			want:  "bob@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEmail(tt.email))
		})
	}
}

func TestNewSecurityStamp(t *testing.T) {
	a := NewSecurityStamp()
	b := NewSecurityStamp()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestUser_HasPassword(t *testing.T) {
	u := &User{}
	assert.False(t, u.HasPassword())
	u.PasswordHash = "$2a$10$abc"
	assert.True(t, u.HasPassword())
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "users", User{}.TableName())
	assert.Equal(t, "roles", Role{}.TableName())
	assert.Equal(t, "logins", Login{}.TableName())
	assert.Equal(t, "claims", Claim{}.TableName())
}
