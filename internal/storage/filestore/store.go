// Package filestore keeps every task record in a single protobuf-encoded
// blob. Each mutation rewrites the blob through a temporary file and a rename,
// so a crash leaves either the old or the new content on disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// ErrLocked is returned by Open when another process owns the store.
var ErrLocked = errors.New("task store is locked by another process")

// Store is a storage.TaskRepository backed by one file.
type Store struct {
	mu    sync.Mutex
	path  string
	fs    afero.Fs
	files transfer.Storage
	lock  *flock.Flock
}

// Option configures a Store.
type Option func(*Store)

// WithFs sets the filesystem holding the blob. The lock file always lives on
// the OS filesystem next to path.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// Open takes ownership of the store at path. files is used to reconcile tasks
// with their target files on every read.
func Open(path string, files transfer.Storage, opts ...Option) (*Store, error) {
	s := &Store{
		path:  path,
		fs:    afero.NewOsFs(),
		files: files,
		lock:  flock.New(path + ".lock"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := afero.NewOsFs().MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &storage.StoreError{Op: "lock", Err: err}
	}

	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, &storage.StoreError{Op: "lock", Err: err}
	}

	if !locked {
		return nil, ErrLocked
	}

	return s, nil
}

// Close releases the ownership lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) Get(ctx context.Context, id download.ID) (*download.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	task, ok := tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	if storage.Reconcile(s.files, task) {
		return task, nil
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping task with missing file", "task_id", id, "target", task.Target())

	delete(tasks, id)

	if err := s.write(tasks); err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
}

func (s *Store) GetAll(ctx context.Context) (map[download.ID]*download.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	dropped := 0

	for id, task := range tasks {
		if storage.Reconcile(s.files, task) {
			continue
		}

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping task with missing file", "task_id", id, "target", task.Target())

		delete(tasks, id)
		dropped++
	}

	if dropped > 0 {
		if err := s.write(tasks); err != nil {
			return nil, err
		}
	}

	return tasks, nil
}

// Save writes task unless the stored record already has the same or a newer
// version, in which case it does nothing.
func (s *Store) Save(ctx context.Context, task *download.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load(ctx)
	if err != nil {
		return err
	}

	if stored, ok := tasks[task.ID]; ok && task.Version <= stored.Version {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "ignoring stale save",
			"task_id", task.ID, "version", task.Version, "stored_version", stored.Version)

		return nil
	}

	tasks[task.ID] = task.Clone()

	return s.write(tasks)
}

func (s *Store) Delete(ctx context.Context, id download.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load(ctx)
	if err != nil {
		return err
	}

	if _, ok := tasks[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	delete(tasks, id)

	return s.write(tasks)
}

// load decodes the blob. A missing file is an empty store, and so is content
// that does not decode.
func (s *Store) load(ctx context.Context) (map[download.ID]*download.Task, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[download.ID]*download.Task), nil
	}

	if err != nil {
		return nil, &storage.StoreError{Op: "read", Err: err}
	}

	tasks, err := decodeStore(b)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "task store is corrupt, starting empty", "path", s.path, "err", err)

		return make(map[download.ID]*download.Task), nil
	}

	return tasks, nil
}

func (s *Store) write(tasks map[download.ID]*download.Task) error {
	dir := filepath.Dir(s.path)

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return &storage.StoreError{Op: "write", Err: err}
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &storage.StoreError{Op: "write", Err: err}
	}

	tmpName := tmp.Name()

	if err := writeAndSync(tmp, encodeStore(tasks)); err != nil {
		_ = s.fs.Remove(tmpName)

		return &storage.StoreError{Op: "write", Err: err}
	}

	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)

		return &storage.StoreError{Op: "rename", Err: err}
	}

	return nil
}

func writeAndSync(f afero.File, b []byte) error {
	if _, err := f.Write(b); err != nil {
		_ = f.Close()

		return err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}
