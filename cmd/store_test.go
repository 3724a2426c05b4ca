//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/config"
)

func TestInitStore_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	withConfig(t, &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: dsn},
	})

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	stats, err := st.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	tmpDir := t.TempDir()
	chdir(t, tmpDir)
	withConfig(t, &config.Config{
		Store: config.StoreConfig{Driver: "sqlite"},
	})

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	_, statErr := os.Stat(filepath.Join(tmpDir, "obit.db"))
	assert.NoError(t, statErr)
}

func TestInitStore_PostgresBadURL(t *testing.T) {
	withConfig(t, &config.Config{
		Store: config.StoreConfig{Driver: "postgres", DatabaseURL: "not a url ::"},
	})

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	assert.Error(t, err)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	withConfig(t, &config.Config{
		Store: config.StoreConfig{Driver: "mysql"},
	})

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}
