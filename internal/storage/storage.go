package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// ErrNotFound is returned when no record exists for an id. It is the domain's
// ErrTaskNotFound so callers can match either.
var ErrNotFound = download.ErrTaskNotFound

// ErrStoreFailed matches every *StoreError.
var ErrStoreFailed = errors.New("task store failed")

// StoreError reports a failed read or write of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailed
}

// TaskRepository persists task records. Implementations serialize every
// operation and ignore a Save whose version is not newer than the stored one.
// Reads reconcile each task against its target file (see Reconcile).
type TaskRepository interface {
	Get(ctx context.Context, id download.ID) (*download.Task, error)
	GetAll(ctx context.Context) (map[download.ID]*download.Task, error)
	Save(ctx context.Context, task *download.Task) error
	Delete(ctx context.Context, id download.ID) error
}

// Reconcile aligns t with the bytes present at its target. It returns false
// when the target is missing, in which case the record must be dropped.
// Progress of Downloading and Paused tasks is recomputed from disk; other
// states are left untouched. A target that cannot be inspected keeps the task
// as stored.
func Reconcile(fs transfer.Storage, t *download.Task) bool {
	target := t.Target()

	ok, err := fs.Exists(target)
	if err != nil {
		return true
	}

	if !ok {
		return false
	}

	if !t.State.HasProgress() {
		return true
	}

	actual, err := fs.Size(target)
	if err != nil {
		return true
	}

	if t.FileSize >= 0 && actual > t.FileSize {
		actual = t.FileSize
	}

	t.State = t.State.WithProgress(download.Progress(actual, t.FileSize))

	return true
}
