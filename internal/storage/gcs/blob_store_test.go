package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "pets-bucket"})
	require.NoError(t, err)
	return store
}

func TestBlobStorePutUploadsObject(t *testing.T) {
	t.Parallel()

	key := "pets/dogs/42/original.jpg"
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/pets-bucket/o")
		assert.Equal(t, key, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "jpeg-bytes")
		assert.Contains(t, string(body), "image/jpeg")
		fmt.Fprintf(w, `{"name":%q,"bucket":"pets-bucket"}`, key)
	}))

	require.NoError(t, store.Put(context.Background(), key, "image/jpeg", []byte("jpeg-bytes")))
	require.Error(t, store.Put(context.Background(), " ", "", nil))
}

func TestBlobStorePutServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	require.Error(t, store.Put(context.Background(), "pets/cats/1/optimized.webp", "image/webp", []byte("x")))
}

func TestBlobStoreExists(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "original.jpg") {
			fmt.Fprint(w, `{"name":"pets/dogs/1/original.jpg","bucket":"pets-bucket","size":"4"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"No such object"}}`)
	}))

	ok, err := store.Exists(context.Background(), "pets/dogs/1/original.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Exists(context.Background(), "pets/dogs/1/optimized.webp")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlobStoreDeleteIgnoresMissing(t *testing.T) {
	t.Parallel()

	var deletes int
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deletes++
		if deletes == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"No such object"}}`)
	}))

	require.NoError(t, store.Delete(context.Background(), "pets/dogs/1/original.jpg"))
	require.NoError(t, store.Delete(context.Background(), "pets/dogs/1/original.jpg"))
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}
