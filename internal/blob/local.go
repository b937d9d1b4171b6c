package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// LocalStore is a Store rooted at a directory. Keys are slash-separated paths
// relative to the root.
type LocalStore struct {
	root   string
	bucket string
}

// NewLocalStore uses root as storage. The bucket name is only reported in
// requests to the inference service, which must see the same files.
func NewLocalStore(root, bucket string) *LocalStore {
	return &LocalStore{root: root, bucket: bucket}
}

func (l *LocalStore) Bucket() string {
	return l.bucket
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errkind.New(errkind.ItemIO, "resolve "+key, "key escapes store root")
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.ItemIO, "list "+prefix, err)
	}
	return sorted(keys), nil
}

func (l *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, errkind.Wrap(errkind.ItemIO, "get "+key, err)
	}
	return f, nil
}

func (l *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	f, err := l.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errkind.Wrap(errkind.ItemIO, "read "+key, err)
	}
	return data, nil
}

func (l *LocalStore) Put(_ context.Context, key string, data []byte) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errkind.Wrap(errkind.ItemIO, "put "+key, err)
	}
	return errkind.Wrap(errkind.ItemIO, "put "+key, os.WriteFile(path, data, 0o644))
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errkind.Wrap(errkind.ItemIO, "delete "+key, err)
	}
	return nil
}
