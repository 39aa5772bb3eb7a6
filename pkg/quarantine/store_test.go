package quarantine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("unsigned driver payload")
	hash, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Contains(t, hash, "sha256:")

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFileStoreIdempotentStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("same bytes")
	h1, err := store.Store(ctx, data)
	require.NoError(t, err)
	h2, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	hash, err := store.Store(ctx, []byte("to be released"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, hash))
	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing artifact is not an error.
	assert.NoError(t, store.Delete(ctx, hash))
}

func TestFileStoreRejectsBadHash(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "md5:abcdef")
	assert.Error(t, err)

	_, err = store.Get(ctx, "sha256:zz-not-hex")
	assert.Error(t, err)
}

func TestFileStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
