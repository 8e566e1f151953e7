package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/elskow/credstore"
	"github.com/elskow/credstore/storetest"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "nil stays nil",
			err:  nil,
			want: nil,
		},
		{
			name: "record not found",
			err:  gorm.ErrRecordNotFound,
			want: credstore.ErrNotFound,
		},
		{
			name: "duplicated key",
			err:  gorm.ErrDuplicatedKey,
			want: credstore.ErrConflict,
		},
		{
			name: "wrapped record not found",
			err:  fmt.Errorf("load row: %w", gorm.ErrRecordNotFound),
			want: credstore.ErrNotFound,
		},
		{
			name: "store error kinds pass through",
			err:  fmt.Errorf("add login: %w", credstore.ErrConflict),
			want: credstore.ErrConflict,
		},
		{
			name: "context deadline is retryable",
			err:  context.DeadlineExceeded,
			want: credstore.ErrStorageUnavailable,
		},
		{
			name: "driver failure is retryable",
			err:  errors.New("connection refused"),
			want: credstore.ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestOpError_Context(t *testing.T) {
	err := opError("set password hash", 42, gorm.ErrRecordNotFound)
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	assert.Contains(t, err.Error(), "set password hash")
	assert.Contains(t, err.Error(), "user=42")
}

func TestWithOperationTimeout(t *testing.T) {
	store := New(nil, zap.NewNop(), WithOperationTimeout(3*time.Second))
	assert.Equal(t, 3*time.Second, store.timeout)
}

func TestStore_RefusesOperationsAfterClose(t *testing.T) {
	store := New(nil, zap.NewNop())
	store.closed = true

	_, err := store.FindByID(context.Background(), 1)
	assert.ErrorIs(t, err, credstore.ErrStorageUnavailable)
	assert.ErrorIs(t, store.SetPasswordHash(context.Background(), 1, "h"), credstore.ErrStorageUnavailable)
}

// newTestStore opens a fresh pool against CREDSTORE_TEST_DSN and resets
// the schema. Integration coverage is skipped when the DSN is unset.
func newTestStore(t *testing.T) credstore.Store {
	t.Helper()

	dsn := os.Getenv("CREDSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("CREDSTORE_TEST_DSN not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(credstore.Models()...))
	require.NoError(t, db.Exec(
		"TRUNCATE TABLE user_roles, logins, claims, roles, users RESTART IDENTITY CASCADE",
	).Error)

	store := New(db, zap.NewNop())
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, newTestStore)
}
