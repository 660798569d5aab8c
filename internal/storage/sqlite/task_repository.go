package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// TaskRepository is a storage.TaskRepository on SQLite. Reads reconcile
// tasks against their target files and delete rows whose file is gone.
type TaskRepository struct {
	mu    sync.Mutex
	read  *TaskReadRepository
	write *TaskWriteRepository
	files transfer.Storage
}

func NewTaskRepository(db *sql.DB, files transfer.Storage) *TaskRepository {
	return &TaskRepository{
		read:  NewTaskReadRepository(db),
		write: NewTaskWriteRepository(db),
		files: files,
	}
}

func (r *TaskRepository) Get(ctx context.Context, id download.ID) (*download.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.read.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if storage.Reconcile(r.files, task) {
		return task, nil
	}

	if err := r.drop(ctx, task); err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
}

func (r *TaskRepository) GetAll(ctx context.Context) (map[download.ID]*download.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks, err := r.read.GetTasks(ctx)
	if err != nil {
		return nil, err
	}

	for id, task := range tasks {
		if storage.Reconcile(r.files, task) {
			continue
		}

		if err := r.drop(ctx, task); err != nil {
			return nil, err
		}

		delete(tasks, id)
	}

	return tasks, nil
}

func (r *TaskRepository) Save(ctx context.Context, task *download.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed, err := r.write.UpsertTask(ctx, task)
	if err != nil {
		return err
	}

	if !changed {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "ignoring stale save", "task_id", task.ID, "version", task.Version)
	}

	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id download.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.write.DeleteTask(ctx, id)
}

func (r *TaskRepository) drop(ctx context.Context, task *download.Task) error {
	logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping task with missing file", "task_id", task.ID, "target", task.Target())

	if err := r.write.DeleteTask(ctx, task.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return nil
}
