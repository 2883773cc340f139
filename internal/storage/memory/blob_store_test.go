package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	payload := []byte("jpeg")
	require.NoError(t, store.Put(ctx, "pets/dogs/1/original.jpg", "image/jpeg", payload))
	payload[0] = 'J'

	got, err := store.Get(ctx, "pets/dogs/1/original.jpg")
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(got))

	ok, err := store.Exists(ctx, "pets/dogs/1/original.jpg")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBlobStoreDeleteAndMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	require.NoError(t, store.Put(ctx, "k", "", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = store.Get(ctx, "k")
	require.Error(t, err)
	require.Error(t, store.Put(ctx, "", "", nil))
}
