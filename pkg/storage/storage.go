// Package storage abstracts where a dataset's files live. A dataset is
// a flat namespace of files (chunk files plus the index); Fetcher and
// Publisher move those files between the local cache directory and a
// remote location such as an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a dataset file does not exist at the
// storage location.
var ErrNotFound = errors.New("dataset file not found")

// Fetcher reads dataset files from a storage location.
type Fetcher interface {
	// Fetch returns the full contents of the named file.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Exists reports whether the named file is present.
	Exists(ctx context.Context, name string) (bool, error)
}

// Publisher writes dataset files to a storage location.
type Publisher interface {
	// Publish stores data under the given name, replacing any
	// existing file.
	Publish(ctx context.Context, name string, data []byte) error

	// Delete removes the named file. Deleting a missing file is not
	// an error.
	Delete(ctx context.Context, name string) error
}

// Store is a location supporting both directions.
type Store interface {
	Fetcher
	Publisher
}

// IsRemote reports whether dir names a remote storage location rather
// than a local directory.
func IsRemote(dir string) bool {
	return strings.HasPrefix(dir, "s3://")
}

// Resolve turns a dataset location into a Store. Plain paths map to
// the local filesystem; s3:// URIs map to an S3-backed store.
func Resolve(ctx context.Context, dir string) (Store, error) {
	if IsRemote(dir) {
		return NewS3FromURI(ctx, dir)
	}
	return NewLocal(dir), nil
}

// Local is a Store rooted at a filesystem directory.
type Local struct {
	dir string
}

// NewLocal returns a Store over the given directory. The directory is
// created lazily on first Publish.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Dir returns the root directory.
func (l *Local) Dir() string { return l.dir }

func (l *Local) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(l.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

func (l *Local) Publish(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	// Write through a temp file so readers never observe a partial
	// file under the final name.
	path := filepath.Join(l.dir, name)
	tmp, err := os.CreateTemp(l.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

var _ Store = (*Local)(nil)
