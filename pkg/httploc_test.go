package depot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/depot/pkg/digest"
)

// autoindexServer serves a fixed key → payload table under the standard
// `<shard>/<rest>` paths, like any web server exporting a storage root.
func autoindexServer(t *testing.T, entries map[digest.Key][]byte) *httptest.Server {
	t.Helper()
	byPath := make(map[string][]byte, len(entries))
	for k, v := range entries {
		dir, file := digest.SHA256.Split(k)
		byPath["/"+dir+"/"+file] = v
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := byPath[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPConstruction(t *testing.T) {
	_, err := NewHTTP("ftp://example.com", digest.SHA256)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestHTTPReadAndContains(t *testing.T) {
	payload := []byte("served payload")
	key := digest.SHA256.FromBytes(payload)
	srv := autoindexServer(t, map[digest.Key][]byte{key: payload})

	loc, err := NewHTTP(srv.URL, digest.SHA256, WithHTTPRetry(fastRetry()))
	require.NoError(t, err)
	assert.True(t, loc.Readable())
	assert.False(t, loc.Writable())

	assert.Equal(t, payload, readAll(t, loc, key))

	ctx := context.Background()
	p, err := loc.Contains(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Present, p)

	absent := digest.SHA256.FromBytes([]byte("not served"))
	p, err = loc.Contains(ctx, absent)
	require.NoError(t, err)
	assert.Equal(t, Absent, p)

	_, err = loc.Read(ctx, absent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPWriteRejected(t *testing.T) {
	srv := autoindexServer(t, nil)
	loc, err := NewHTTP(srv.URL, digest.SHA256)
	require.NoError(t, err)

	payload := []byte("no uploads")
	key := digest.SHA256.FromBytes(payload)
	status, err := loc.Write(context.Background(), key, NewBytesSource(payload))
	require.NoError(t, err)
	assert.Equal(t, WriteRejectedReadOnly, status)

	_, err = loc.Delete(context.Background(), key)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestHTTPPermissionFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	loc, err := NewHTTP(srv.URL, digest.SHA256, WithHTTPRetry(fastRetry()))
	require.NoError(t, err)

	_, err = loc.Read(context.Background(), digest.SHA256.FromBytes([]byte("x")))
	assert.ErrorIs(t, err, ErrPermission)
}

func TestHTTPServerErrorsRetriedThenSucceed(t *testing.T) {
	payload := []byte("flaky payload")
	key := digest.SHA256.FromBytes(payload)
	dir, file := digest.SHA256.Split(key)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if r.URL.Path == "/"+dir+"/"+file {
			_, _ = w.Write(payload)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	loc, err := NewHTTP(srv.URL, digest.SHA256, WithHTTPRetry(fastRetry()))
	require.NoError(t, err)

	assert.Equal(t, payload, readAll(t, loc, key))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPHeadUnsupportedAnswersUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.Error(w, "no HEAD here", http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)

	loc, err := NewHTTP(srv.URL, digest.SHA256)
	require.NoError(t, err)

	p, err := loc.Contains(context.Background(), digest.SHA256.FromBytes([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, Unknown, p)
}
