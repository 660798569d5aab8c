package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
)

const selectTasks = `SELECT
		id,
		file_name,
		file_url,
		file_path,
		file_size,
		state_kind,
		progress,
		error_code,
		error_message,
		version,
		updated_at
	FROM tasks`

// TaskReadRepository loads task rows as stored, without reconciliation.
type TaskReadRepository struct {
	db *sql.DB
}

func NewTaskReadRepository(db *sql.DB) *TaskReadRepository {
	return &TaskReadRepository{db: db}
}

func (r *TaskReadRepository) GetTask(ctx context.Context, id download.ID) (*download.Task, error) {
	row := r.db.QueryRowContext(ctx, selectTasks+` WHERE id = ?`, string(id))

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	if err != nil {
		return nil, &storage.StoreError{Op: "read", Err: err}
	}

	return task, nil
}

func (r *TaskReadRepository) GetTasks(ctx context.Context) (map[download.ID]*download.Task, error) {
	rows, err := r.db.QueryContext(ctx, selectTasks)
	if err != nil {
		return nil, &storage.StoreError{Op: "read", Err: err}
	}
	defer rows.Close()

	tasks := make(map[download.ID]*download.Task)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, &storage.StoreError{Op: "read", Err: err}
		}

		tasks[task.ID] = task
	}

	if err := rows.Err(); err != nil {
		return nil, &storage.StoreError{Op: "read", Err: err}
	}

	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*download.Task, error) {
	var (
		t                       download.Task
		id, kind, code, message string
		progress                float64
		updatedAt               int64
	)

	err := s.Scan(&id, &t.FileName, &t.FileURL, &t.FilePath, &t.FileSize, &kind, &progress, &code, &message, &t.Version, &updatedAt)
	if err != nil {
		return nil, err
	}

	k, err := download.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	t.ID = download.ID(id)
	t.State = stateOf(k, progress, code, message)
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &t, nil
}

func stateOf(k download.Kind, progress float64, code, message string) download.State {
	switch k {
	case download.KindEnqueued:
		return download.Enqueued()
	case download.KindDownloading:
		return download.Downloading(progress)
	case download.KindPaused:
		return download.Paused(progress)
	case download.KindFailed:
		return download.Failed(code, message)
	case download.KindFinished:
		return download.Finished()
	default:
		panic(fmt.Sprintf("sqlite: unhandled state %v", k))
	}
}
