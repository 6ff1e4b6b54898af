package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreOrderedAndReversible(t *testing.T) {
	entries, err := fs.ReadDir(FS, "sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for i, e := range entries {
		b, err := fs.ReadFile(FS, "sql/"+e.Name())
		require.NoError(t, err)
		body := string(b)
		assert.True(t, strings.HasPrefix(e.Name(), "0000"), e.Name())
		assert.Contains(t, body, "-- +goose Up", e.Name())
		assert.Contains(t, body, "-- +goose Down", e.Name())
		if i > 0 {
			assert.Less(t, entries[i-1].Name(), e.Name())
		}
	}
}

func TestUp_RunsEmbeddedDir(t *testing.T) {
	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, Up(context.Background(), nil))
	assert.Equal(t, "sql", gotDir)
}

func TestUp_WrapsError(t *testing.T) {
	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	boom := errors.New("boom")
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error { return boom }

	err := Up(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}
