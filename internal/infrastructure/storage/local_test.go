package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "exports"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	location, size, err := store.Save(ctx, "t1.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "t1.csv", location)
	assert.Equal(t, int64(8), size)

	rc, err := store.Open(ctx, location)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "a,b\n1,2\n", string(body))

	entries, err := os.ReadDir(filepath.Join(dir, "exports"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, store.Delete(ctx, location))
	require.NoError(t, store.Delete(ctx, location), "deleting twice is fine")

	_, err = store.Open(ctx, location)
	assert.ErrorIs(t, err, ports.ErrArtifactNotFound)
}

func TestLocalStoreRejectsPathsOutsideRoot(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"", "..", "../escape.txt", "nested/file.txt", `win\file.txt`} {
		_, _, err := store.Save(ctx, name, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
		_, err = store.Open(ctx, name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
		assert.ErrorIs(t, store.Delete(ctx, name), ErrInvalidName, name)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := New(config.ArtifactsConfig{Backend: "local", LocalDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	store, err = New(config.ArtifactsConfig{Backend: "sftp", SFTP: config.SFTPConfig{Host: "files.internal", Dir: "/exports"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SFTPStore{}, store)

	_, err = New(config.ArtifactsConfig{Backend: "s3"}, nil)
	assert.Error(t, err, "bucket is required")

	_, err = New(config.ArtifactsConfig{Backend: "tape"}, nil)
	assert.Error(t, err)
}
