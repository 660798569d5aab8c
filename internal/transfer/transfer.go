package transfer

import (
	"context"
	"io"
)

// Transport fetches remote resources. Implementations translate their failures
// into ResourceNotFoundError, PermanentError, TemporaryError or UnexpectedError.
type Transport interface {
	// Size returns the remote size in bytes, or a negative value when the
	// server does not report one.
	Size(ctx context.Context, url string) (int64, error)

	// OpenStream returns the resource content starting at offset.
	OpenStream(ctx context.Context, url string, offset int64) (io.ReadCloser, error)
}

// Sink is a local destination for downloaded bytes.
type Sink interface {
	io.WriteCloser
	Sync() error
}

// Storage is the local filesystem as seen by the core. Failures are reported
// as *StorageError.
type Storage interface {
	Exists(path string) (bool, error)
	Create(path string) error
	Size(path string) (int64, error)
	OpenSink(path string, append bool) (Sink, error)
	OpenSource(path string) (io.ReadCloser, error)
	Delete(path string) error
}

// SizeOrZero returns the size of path, or 0 when it does not exist.
func SizeOrZero(s Storage, path string) (int64, error) {
	ok, err := s.Exists(path)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, nil
	}

	return s.Size(path)
}
