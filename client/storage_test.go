package folio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSessionStorageRoundTrip(t *testing.T) {
	storage := NewFileSessionStorage(t.TempDir())

	saved := &Session{
		AccessToken:     "access-1",
		RefreshToken:    "refresh-1",
		IsAuthenticated: true,
		User:            &User{ID: "u-1", Email: "user@example.com"},
	}
	require.NoError(t, storage.Save(context.Background(), saved))

	loaded, err := storage.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestFileSessionStorageMissingFileIsNoSession(t *testing.T) {
	storage := NewFileSessionStorage(t.TempDir())

	_, err := storage.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFileSessionStorageRestrictsPermissions(t *testing.T) {
	dir := t.TempDir()
	storage := NewFileSessionStorage(dir)
	require.NoError(t, storage.Save(context.Background(), &Session{AccessToken: "access-1"}))

	info, err := os.Stat(filepath.Join(dir, sessionFilename))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileSessionStorageDeleteIsIdempotent(t *testing.T) {
	storage := NewFileSessionStorage(t.TempDir())
	require.NoError(t, storage.Save(context.Background(), &Session{AccessToken: "access-1"}))

	require.NoError(t, storage.Delete(context.Background()))
	require.NoError(t, storage.Delete(context.Background()))

	_, err := storage.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMemorySessionStorageReturnsCopies(t *testing.T) {
	storage := NewMemorySessionStorage()
	require.NoError(t, storage.Save(context.Background(), &Session{AccessToken: "access-1"}))

	loaded, err := storage.Load(context.Background())
	require.NoError(t, err)
	loaded.AccessToken = "tampered"

	reloaded, err := storage.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", reloaded.AccessToken)
}
