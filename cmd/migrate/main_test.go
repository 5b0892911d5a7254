package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add sync logs", "add_sync_logs"},
		{"game-mappings index", "game_mappings_index"},
		{"  __Hello!! World__ ", "hello_world"},
		{"???", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeName(tt.in), tt.in)
	}
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps("3")
	require.NoError(t, err)
	require.Equal(t, 3, steps)

	for _, bad := range []string{"0", "-1", "two"} {
		_, err := parseSteps(bad)
		require.Error(t, err, bad)
	}
}

func TestMigrationsDirHonoursEnv(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("MIGRATIONS_DIR", tmp)

	dir, err := migrationsDir()
	require.NoError(t, err)
	require.Equal(t, tmp, dir)

	t.Setenv("MIGRATIONS_DIR", "")
	dir, err = migrationsDir()
	require.NoError(t, err)
	require.Equal(t, "migrations", filepath.Base(dir))
}

func TestWriteMigrationFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "001_init.up.sql")
	require.NoError(t, writeMigrationFile(path, "-- migrate up\n"))
	require.Error(t, writeMigrationFile(path, "-- again\n"))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "-- migrate up\n", string(contents))
}

func TestCreateMigrationWritesPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	upPath, downPath, err := createMigration(dir, "add_sync_logs", now)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "20260301123000_add_sync_logs.up.sql"), upPath)
	require.Equal(t, filepath.Join(dir, "20260301123000_add_sync_logs.down.sql"), downPath)

	_, _, err = createMigration(dir, "add_sync_logs", now)
	require.Error(t, err)
}

func TestUpRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cmd := &upCmd{}
	require.ErrorContains(t, cmd.Run(), "DATABASE_URL")
}
