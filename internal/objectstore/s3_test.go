package objectstore_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/raphi011/testreport/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucket answers the subset of the S3 api the uploader uses.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]http.Header
}

func newFakeBucket(t *testing.T) (*fakeBucket, *httptest.Server) {
	t.Helper()

	b := &fakeBucket{objects: map[string]http.Header{}}

	router := httprouter.New()
	router.HEAD("/:bucket/*key", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.objects[p.ByName("bucket")+p.ByName("key")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.PUT("/:bucket/*key", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.objects[p.ByName("bucket")+p.ByName("key")] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return b, server
}

func TestS3UploadIsSkippedWhenObjectExists(t *testing.T) {
	t.Parallel()

	bucket, server := newFakeBucket(t)
	ctx := context.Background()

	store, err := objectstore.NewS3(ctx, objectstore.S3Options{
		Bucket:         "results",
		Endpoint:       server.URL,
		ForcePathStyle: true,
		AccessKey:      "access",
		SecretKey:      "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "results", store.Bucket())

	u := objectstore.NewUploader(store, slog.Default())
	p := writeArchive(t, t.TempDir(), runID, "archive")

	key, uploaded, err := u.Upload(ctx, p)
	require.NoError(t, err)
	assert.True(t, uploaded)

	_, uploaded, err = u.Upload(ctx, p)
	require.NoError(t, err)
	assert.False(t, uploaded)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	require.Len(t, bucket.objects, 1)
	header := bucket.objects["results/"+key]
	require.NotNil(t, header)
	assert.Equal(t, "AES256", header.Get("X-Amz-Server-Side-Encryption"))
}
