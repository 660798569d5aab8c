// Package localfs implements transfer.Storage on an afero filesystem.
package localfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// Storage is the local filesystem port.
type Storage struct {
	fs afero.Fs
}

// New returns a Storage on fs. Pass afero.NewOsFs() for the real disk.
func New(fs afero.Fs) *Storage {
	return &Storage{fs: fs}
}

func (s *Storage) Exists(path string) (bool, error) {
	ok, err := afero.Exists(s.fs, path)
	if err != nil {
		return false, transfer.NewStorageError(path, transfer.ReadPermissionDenied, err)
	}

	return ok, nil
}

// Create makes an empty file at path unless one already exists. Parent
// directories are created as needed.
func (s *Storage) Create(path string) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return transfer.NewStorageError(path, transfer.WritePermissionDenied, err)
	}

	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return transfer.NewStorageError(path, transfer.WritePermissionDenied, err)
	}

	if err := f.Close(); err != nil {
		return transfer.NewStorageError(path, transfer.WritePermissionDenied, err)
	}

	return nil
}

func (s *Storage) Size(path string) (int64, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return 0, transfer.NewStorageError(path, transfer.ReadPermissionDenied, err)
	}

	if info.IsDir() {
		return 0, &transfer.StorageError{Kind: transfer.IOError, Path: path, Err: errors.New("is a directory")}
	}

	return info.Size(), nil
}

// OpenSink opens path for writing. With append set, writes go to the end of
// the existing content; otherwise the file is truncated.
func (s *Storage) OpenSink(path string, append bool) (transfer.Sink, error) {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, transfer.NewStorageError(path, transfer.WritePermissionDenied, err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := s.fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, transfer.NewStorageError(path, transfer.WritePermissionDenied, err)
	}

	return &sink{File: f, path: path}, nil
}

func (s *Storage) OpenSource(path string) (io.ReadCloser, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, transfer.NewStorageError(path, transfer.ReadPermissionDenied, err)
	}

	return f, nil
}

// Delete removes path. Deleting a missing file is not an error.
func (s *Storage) Delete(path string) error {
	err := s.fs.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return transfer.NewStorageError(path, transfer.DeletePermissionDenied, err)
}

// sink reports write failures as storage errors.
type sink struct {
	afero.File

	path string
}

func (s *sink) Write(p []byte) (int, error) {
	n, err := s.File.Write(p)
	if err != nil {
		return n, transfer.NewStorageError(s.path, transfer.WritePermissionDenied, err)
	}

	return n, nil
}

func (s *sink) Sync() error {
	if err := s.File.Sync(); err != nil {
		return transfer.NewStorageError(s.path, transfer.IOError, err)
	}

	return nil
}
