package shardstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ioustamora/datamesh/pkg/helper"
	"github.com/ioustamora/datamesh/pkg/key"
)

const (
	fileMode = 0o400
	dirMode  = 0o700
)

// diskStore is the durable layer under the memory LRU. Writes go through a
// temporary file, an fsync and a rename so that a put that returned is
// preserved across a crash.
type diskStore struct {
	path string
}

func newDiskStore(path string) (*diskStore, error) {
	d := &diskStore{path: path}

	// RemoveAll is safe to call on non-existent directories.
	if err := os.RemoveAll(d.tmpPath()); err != nil {
		return nil, fmt.Errorf("error removing the temporary shard directory: %w", err)
	}

	for _, p := range []string{d.shardsPath(), d.tmpPath()} {
		if err := os.MkdirAll(p, dirMode); err != nil {
			return nil, fmt.Errorf("error creating the directory %q: %w", p, err)
		}
	}

	return d, nil
}

func (d *diskStore) has(k key.Key) bool {
	_, err := os.Stat(d.shardPath(k))

	return err == nil
}

func (d *diskStore) get(k key.Key) ([]byte, error) {
	b, err := os.ReadFile(d.shardPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("error reading the shard file: %w", err)
	}

	return b, nil
}

func (d *diskStore) put(k key.Key, b []byte) error {
	shardPath := d.shardPath(k)

	if _, err := os.Stat(shardPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(shardPath), dirMode); err != nil {
		return fmt.Errorf("error creating the directories for %q: %w", shardPath, err)
	}

	f, err := os.CreateTemp(d.tmpPath(), k.Hex()+"-*")
	if err != nil {
		return fmt.Errorf("error creating the temporary file: %w", err)
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())

		return fmt.Errorf("error writing the shard to the temporary file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())

		return fmt.Errorf("error syncing the temporary file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := os.Rename(f.Name(), shardPath); err != nil {
		return fmt.Errorf("error creating the shard file %q: %w", shardPath, err)
	}

	return os.Chmod(shardPath, fileMode)
}

func (d *diskStore) delete(k key.Key) error {
	if err := os.Remove(d.shardPath(k)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting the shard file: %w", err)
	}

	return nil
}

// walk calls fn for every shard file found on disk. Files whose name is not
// a valid key are skipped.
func (d *diskStore) walk(fn func(key.Key) error) error {
	return filepath.WalkDir(d.shardsPath(), func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if entry.IsDir() {
			return nil
		}

		k, err := key.FromHex(entry.Name())
		if err != nil {
			return nil
		}

		return fn(k)
	})
}

func (d *diskStore) shardPath(k key.Key) string {
	return filepath.Join(d.shardsPath(), helper.ShardFilePath(k.Hex()))
}

func (d *diskStore) shardsPath() string { return filepath.Join(d.path, "shards") }
func (d *diskStore) tmpPath() string    { return filepath.Join(d.path, "tmp") }
