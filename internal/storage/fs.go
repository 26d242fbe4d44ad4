package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the file contract used by the file persister.
type FS interface {
	Exists(path string) (bool, error)
	Read(path string) (io.ReadCloser, error)
	// Create creates or truncates path.
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
	// Rename atomically replaces to with from.
	Rename(from, to string) error
}

// OSFS is FS over the local filesystem.
type OSFS struct{}

func (OSFS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (OSFS) Read(path string) (io.ReadCloser, error) { return os.Open(path) }

func (OSFS) Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

func (OSFS) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (OSFS) Rename(from, to string) error { return os.Rename(from, to) }
