package acme

import (
	"context"
	"os"
	"path/filepath"
)

// FSStorage persists ACME state as files under a root directory, one file
// per key with path separators in the key mapped onto subdirectories.
// Writes go through a temp-file-then-rename, the same pattern the cache
// package's disk tier uses, so a crash mid-write never leaves a partial
// account key or certificate on disk.
type FSStorage struct {
	root string
}

// NewFSStorage returns an FSStorage rooted at root.
func NewFSStorage(root string) *FSStorage {
	return &FSStorage{root: root}
}

func (f *FSStorage) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Get implements Storage.
func (f *FSStorage) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put implements Storage.
func (f *FSStorage) Put(_ context.Context, key string, value []byte) error {
	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// Delete implements Storage.
func (f *FSStorage) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
