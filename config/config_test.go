package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", EnvDevelopment)

	dir := writeConfig(t, `
[database]
host = "db.internal"
port = 5433
user = "credstore"
password = "secret"
name = "credstore"
ssl_mode = "require"
max_open_conns = 10

[store]
operation_timeout = "3s"
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "credstore", cfg.Database.User)
	assert.Equal(t, "require", cfg.Database.SSLMode)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 3*time.Second, cfg.Store.OperationTimeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", EnvDevelopment)

	dir := writeConfig(t, `
[database]
user = "credstore"
name = "credstore"
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 5*time.Second, cfg.Store.OperationTimeout)
}

func TestLoadConfig_EnvOverlay(t *testing.T) {
	t.Setenv("APP_ENV", EnvTesting)

	dir := writeConfig(t, `
[database]
host = "db.internal"
user = "credstore"
name = "credstore"

[database.testing]
host = "localhost"
name = "credstore_test"
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "credstore_test", cfg.Database.Name)
	assert.Equal(t, "credstore", cfg.Database.User)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("APP_ENV", EnvDevelopment)

	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}
