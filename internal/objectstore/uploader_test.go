package objectstore_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raphi011/testreport/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runID = "0f7f53b4-2f6e-4b5e-9d55-3b1b0f0c2a10"

func writeArchive(t *testing.T, dir, runID, content string) string {
	t.Helper()

	p := filepath.Join(dir, runID+".tar.gz")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func TestUploadSameArchiveTwiceStoresOneObject(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemoryStore()
	u := objectstore.NewUploader(store, slog.Default())
	p := writeArchive(t, t.TempDir(), runID, "archive")

	key, uploaded, err := u.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, uploaded)
	assert.True(t, strings.HasPrefix(key, runID+"/"))
	assert.True(t, strings.HasSuffix(key, ".tar.gz"))

	again, uploaded, err := u.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, uploaded)
	assert.Equal(t, key, again)

	assert.Equal(t, []string{key}, store.Keys())
	assert.Equal(t, 1, store.Puts())
}

func TestUploadChangedArchiveUsesNewKey(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemoryStore()
	u := objectstore.NewUploader(store, slog.Default())
	dir := t.TempDir()

	first, _, err := u.Upload(context.Background(), writeArchive(t, dir, runID, "v1"))
	require.NoError(t, err)

	second, _, err := u.Upload(context.Background(), writeArchive(t, dir, runID, "v2"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, store.Keys(), 2)
}

type failingStore struct {
	*objectstore.MemoryStore
	fail string
}

func (f failingStore) Put(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error {
	if strings.HasPrefix(key, f.fail) {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Put(ctx, key, r, size, sha256)
}

func TestUploadAllContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	other := "3f2a1b3c-9a0e-4d5f-8b1c-2e3d4f5a6b7c"
	store := failingStore{MemoryStore: objectstore.NewMemoryStore(), fail: other}
	u := objectstore.NewUploader(store, slog.Default())
	dir := t.TempDir()

	failing := writeArchive(t, dir, other, "a")
	ok := writeArchive(t, dir, runID, "b")

	res := u.UploadAll(context.Background(), []string{failing, ok})

	assert.Len(t, res.Uploaded, 1)
	assert.Empty(t, res.Skipped)
	assert.Contains(t, res.Failed, failing)
	assert.Equal(t, res.Uploaded, store.Keys())
}
