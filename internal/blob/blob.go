package blob

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
)

// ErrNotFound is returned, wrapped as an item I/O error, when a key does not
// exist.
var ErrNotFound = errors.New("blob not found")

// Store is byte-object storage addressed by key.
//
// List returns keys under prefix in lexical order. Get and Open fail with an
// error wrapping ErrNotFound for missing keys. Delete of a missing key is not
// an error.
type Store interface {
	Bucket() string
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// FilterSuffixes keeps keys ending in one of suffixes, compared
// case-insensitively. Order is preserved.
func FilterSuffixes(keys []string, suffixes ...string) []string {
	var kept []string
	for _, k := range keys {
		lower := strings.ToLower(k)
		for _, s := range suffixes {
			if strings.HasSuffix(lower, strings.ToLower(s)) {
				kept = append(kept, k)
				break
			}
		}
	}
	return kept
}

// ListMatching lists prefix and filters the result by suffix.
func ListMatching(ctx context.Context, store Store, prefix string, suffixes ...string) ([]string, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return FilterSuffixes(keys, suffixes...), nil
}

func sorted(keys []string) []string {
	sort.Strings(keys)
	return keys
}
