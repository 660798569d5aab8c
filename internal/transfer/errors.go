package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// Stable error codes persisted in a task's Failed state.
const (
	CodeResourceNotFound       = "resource_not_found"
	CodePermanentError         = "permanent_error"
	CodeTemporaryError         = "temporary_error"
	CodeUnexpectedError        = "unexpected_error"
	CodeFileNotFound           = "file_not_found"
	CodeReadPermissionDenied   = "read_permission_denied"
	CodeWritePermissionDenied  = "write_permission_denied"
	CodeDeletePermissionDenied = "delete_permission_denied"
	CodeIOError                = "io_error"
)

// ResourceNotFoundError is the transport equivalent of HTTP 404.
type ResourceNotFoundError struct {
	URL string
	Err error
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.URL)
}

func (e *ResourceNotFoundError) Unwrap() error {
	return e.Err
}

// PermanentError represents a client-side failure (4xx) that will not go away
// without user action.
type PermanentError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent error fetching %s (HTTP %d)", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("permanent error fetching %s: %v", e.URL, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// TemporaryError represents a server-side or network failure (5xx, resets,
// timeouts) that may succeed when retried.
type TemporaryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TemporaryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("temporary error fetching %s (HTTP %d)", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("temporary error fetching %s: %v", e.URL, e.Err)
}

func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// UnexpectedError wraps anything that does not fit the other categories,
// including panics recovered from transfer jobs.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error {
	return e.Err
}

// StorageErrorKind classifies local filesystem failures.
type StorageErrorKind int

const (
	FileNotFound StorageErrorKind = iota + 1
	ReadPermissionDenied
	WritePermissionDenied
	DeletePermissionDenied
	IOError
)

func (k StorageErrorKind) String() string {
	switch k {
	case FileNotFound:
		return CodeFileNotFound
	case ReadPermissionDenied:
		return CodeReadPermissionDenied
	case WritePermissionDenied:
		return CodeWritePermissionDenied
	case DeletePermissionDenied:
		return CodeDeletePermissionDenied
	case IOError:
		return CodeIOError
	default:
		return fmt.Sprintf("storage_error(%d)", int(k))
	}
}

// StorageError reports a failure of the storage port.
type StorageError struct {
	Kind StorageErrorKind
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s) for %s: %v", e.Kind, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError classifies a filesystem error. denied is the kind to use when
// err is a permission error, since only the caller knows whether it was
// reading, writing or deleting.
func NewStorageError(path string, denied StorageErrorKind, err error) *StorageError {
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}

	kind := IOError

	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = FileNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		kind = denied
	}

	return &StorageError{Kind: kind, Path: path, Err: err}
}

// Classify maps err into the transfer taxonomy. Errors already in the taxonomy
// are returned unchanged; context cancellation is preserved so callers can
// tell a stop from a failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var (
		notFound   *ResourceNotFoundError
		permanent  *PermanentError
		temporary  *TemporaryError
		unexpected *UnexpectedError
		storage    *StorageError
		pathErr    *os.PathError
	)

	switch {
	case errors.As(err, &notFound), errors.As(err, &permanent), errors.As(err, &temporary),
		errors.As(err, &unexpected), errors.As(err, &storage):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TemporaryError{Err: err}
	case errors.As(err, &pathErr):
		return NewStorageError(pathErr.Path, WritePermissionDenied, err)
	}

	return &UnexpectedError{Err: err}
}

// Code returns the stable error code for err.
func Code(err error) string {
	var (
		notFound  *ResourceNotFoundError
		permanent *PermanentError
		temporary *TemporaryError
		storage   *StorageError
	)

	switch {
	case errors.As(err, &notFound):
		return CodeResourceNotFound
	case errors.As(err, &permanent):
		return CodePermanentError
	case errors.As(err, &temporary):
		return CodeTemporaryError
	case errors.As(err, &storage):
		return storage.Kind.String()
	default:
		return CodeUnexpectedError
	}
}

// IsRetryable reports whether retrying the operation may succeed.
func IsRetryable(err error) bool {
	var temporary *TemporaryError

	return errors.As(err, &temporary)
}
