package db

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilesEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	script, err := fs.ReadFile(migrationFiles, "migrations/"+entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(script), "-- +goose Up")
	assert.Contains(t, string(script), "auth_refresh_tokens")
}

func TestRunMigrations_WrapsError(t *testing.T) {
	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })

	var gotDir string
	gooseUp = func(ctx context.Context, database *sql.DB, dir string) error {
		gotDir = dir
		return errors.New("connection refused")
	}

	err := RunMigrations(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "migrations", gotDir)
	assert.Contains(t, err.Error(), "apply migrations: connection refused")
}
