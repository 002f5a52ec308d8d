// Package objectstore uploads run archives to an object storage bucket.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store is an object storage bucket.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error
}

// Key returns the object key of an archive. It is derived from the content,
// uploading the same archive twice targets the same object.
func Key(runID, sha256 string) string {
	return runID + "/" + sha256 + ".tar.gz"
}

type Uploader struct {
	store  Store
	logger *slog.Logger
}

func NewUploader(store Store, logger *slog.Logger) *Uploader {
	return &Uploader{store: store, logger: logger}
}

// Upload puts the archive at path into the store unless an object with the
// same key exists. It returns the key and whether an upload happened.
func (u *Uploader) Upload(ctx context.Context, path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", false, fmt.Errorf("hash archive: %w", err)
	}
	sum := hex.EncodeToString(hash.Sum(nil))

	runID := strings.TrimSuffix(filepath.Base(path), ".tar.gz")
	key := Key(runID, sum)

	exists, err := u.store.Exists(ctx, key)
	if err != nil {
		return key, false, err
	}
	if exists {
		u.logger.Info("archive already uploaded", "key", key)
		return key, false, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return key, false, fmt.Errorf("rewind archive: %w", err)
	}

	if err := u.store.Put(ctx, key, f, size, sum); err != nil {
		return key, false, err
	}

	u.logger.Info("archive uploaded", "key", key, "size", size)

	return key, true, nil
}

// DirResult lists the outcome of uploading every archive of a directory.
type DirResult struct {
	Uploaded []string
	Skipped  []string
	Failed   map[string]error
}

// UploadAll uploads each archive and continues after individual failures.
func (u *Uploader) UploadAll(ctx context.Context, paths []string) DirResult {
	res := DirResult{Failed: map[string]error{}}

	for _, p := range paths {
		if ctx.Err() != nil {
			res.Failed[p] = ctx.Err()
			continue
		}

		key, uploaded, err := u.Upload(ctx, p)
		switch {
		case err != nil:
			u.logger.Warn("archive upload failed", "path", p, "error", err)
			res.Failed[p] = err
		case uploaded:
			res.Uploaded = append(res.Uploaded, key)
		default:
			res.Skipped = append(res.Skipped, key)
		}
	}

	return res
}
