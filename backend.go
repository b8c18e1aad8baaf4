package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// Backend persists encoded fixture records, partitioned by fixture set.
//
// Keys are fixture identifiers. List must return no keys and no error when
// nothing has been stored for the set yet, and Delete must not fail when
// the key does not exist.
type Backend interface {
	List(ctx context.Context, set string) ([]string, error)
	Read(ctx context.Context, set, key string) ([]byte, error)
	Write(ctx context.Context, set, key string, data []byte) error
	Delete(ctx context.Context, set, key string) error
}

const fileExt = ".yml"

// FileBackend stores each fixture as a YAML file named <key>.yml in
// <Dir>/<set>/. Any directories are created if needed. Set names that
// would resolve outside Dir are rejected.
type FileBackend struct {
	Dir string
}

var _ Backend = (*FileBackend)(nil)

// Path returns the file a record with the given key is stored in.
func (b *FileBackend) Path(set, key string) string {
	return filepath.Join(b.Dir, set, key+fileExt)
}

// List implements Backend.
func (b *FileBackend) List(_ context.Context, set string) ([]string, error) {
	if err := validateFixtureSet(set); err != nil {
		return nil, err
	}
	dir := filepath.Join(b.Dir, set)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(dir), "*"+fileExt, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, strings.TrimSuffix(m, fileExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Read implements Backend.
func (b *FileBackend) Read(_ context.Context, set, key string) ([]byte, error) {
	if err := validateFixtureSet(set); err != nil {
		return nil, err
	}
	return os.ReadFile(b.Path(set, key))
}

// Write implements Backend. The file is written to a temporary name first
// and renamed into place.
func (b *FileBackend) Write(_ context.Context, set, key string, data []byte) error {
	if err := validateFixtureSet(set); err != nil {
		return err
	}
	path := b.Path(set, key)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(_ context.Context, set, key string) error {
	if err := validateFixtureSet(set); err != nil {
		return err
	}
	err := os.Remove(b.Path(set, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
