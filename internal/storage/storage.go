// Package storage is the object store adapter shared by uploads, run logs,
// telemetry files and housekeeping.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"askanna/internal/apperr"
)

// Stat describes a stored object.
type Stat struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Backend is implemented by every object store.
type Backend interface {
	// Put stores r under key and returns the stored key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (*Stat, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// List returns the immediate sub-directories and the files below prefix.
	// With recursive set, files of nested directories are included and dirs is empty.
	// Returned names are relative to prefix.
	List(ctx context.Context, prefix string, recursive bool) (dirs, files []string, err error)

	PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// SupportsChunks reports whether the backend can assemble parts server-side.
	SupportsChunks() bool
}

// Composer is implemented by backends that assemble parts server-side.
type Composer interface {
	Compose(ctx context.Context, dst string, parts []string, contentType string) error
}

// MinComposePartSize is the smallest non-final part a server-side compose accepts.
const MinComposePartSize = 5 << 20

// DeletePrefix removes every object below prefix.
func DeletePrefix(ctx context.Context, b Backend, prefix string) error {
	prefix = Dir(prefix)
	_, files, err := b.List(ctx, prefix, true)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	var errs []error
	for _, f := range files {
		if err := b.Delete(ctx, prefix+f); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadAll reads a whole object.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, errors.Join(apperr.ErrStorage, err))
	}
	return data, nil
}

func notFound(key string) error {
	return fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
}
